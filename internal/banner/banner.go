package banner

import (
	"github.com/charmbracelet/lipgloss"

	"stresslab/internal/tui/styles"
)

func GetString() string {
	style := lipgloss.DefaultRenderer().NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	ascii := `
   _____ __                       __          __  
  / ___// /_________  __________ / /   ____ _/ /_ 
  \__ \/ __/ ___/ _ \/ ___/ ___// /   / __ '/ __ \
 ___/ / /_/ /  /  __(__  |__  )/ /___/ /_/ / /_/ /
/____/\__/_/   \___/____/____//_____/\__,_/_.___/ `

	return "\n" + style.Render(ascii) + "\n"
}

package components

import (
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var levels = []rune(" ▁▂▃▄▅▆▇█")

// Sparkline is a one-row scrolling chart of the last Width values.
type Sparkline struct {
	Data  []float64
	Width int
	Label string
	Style lipgloss.Style
}

func NewSparkline(width int, label string, style lipgloss.Style) Sparkline {
	return Sparkline{
		Width: width,
		Label: label,
		Style: style,
		Data:  make([]float64, 0, width),
	}
}

func (s *Sparkline) Add(v float64) {
	s.Data = append(s.Data, v)
	if len(s.Data) > s.Width {
		s.Data = s.Data[len(s.Data)-s.Width:]
	}
}

// Max is the largest visible value.
func (s Sparkline) Max() float64 {
	if len(s.Data) == 0 {
		return 0
	}
	return slices.Max(s.Data)
}

func (s Sparkline) View() string {
	if s.Width <= 0 {
		return ""
	}

	top := s.Max()
	var graph strings.Builder
	for _, v := range s.Data {
		idx := 0
		if top > 0 {
			idx = int(v / top * float64(len(levels)-1))
		}
		graph.WriteRune(levels[min(max(idx, 0), len(levels)-1)])
	}
	if pad := s.Width - len(s.Data); pad > 0 {
		graph.WriteString(strings.Repeat(" ", pad))
	}

	return s.Style.Render(s.Label) + "\n" + s.Style.Render(graph.String())
}

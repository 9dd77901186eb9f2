package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stresslab/internal/dummy"
)

var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run a local target server",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		port, _ := cmd.Flags().GetInt("port")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return dummy.Serve(ctx, fmt.Sprintf(":%d", port), log)
	},
}

func init() {
	dummyCmd.Flags().IntP("port", "p", 8080, "port to listen on")
}

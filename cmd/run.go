package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stresslab/internal/cli"
	"stresslab/internal/runner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load test headless in this process",
	Long: `Run a load test headless in this process and save JSON and CSV reports.

The bolt store is held exclusively by the process that opened it. While
` + "`stresslab serve`" + ` runs on the same file, use --store sqlite, --store none
or a different --store-path.`,
	Example: `  stresslab run -u http://localhost:8080/fast -d 30 -c 50
  stresslab run -u https://example.com -d 10 -c 5 -p socks5://127.0.0.1:1080 --tui`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd, map[string]string{
			"store.driver":   "store",
			"store.path":     "store-path",
			"proxy.rotation": "rotation",
		})
		if err != nil {
			return err
		}

		url, _ := cmd.Flags().GetString("url")
		duration, _ := cmd.Flags().GetInt("duration")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		proxies, _ := cmd.Flags().GetStringSlice("proxy")
		out, _ := cmd.Flags().GetString("out")
		tui, _ := cmd.Flags().GetBool("tui")

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		opts := managerOptions(cfg, store, log)
		// the URL comes from the local user, so file-backed helpers are fine
		opts.AllowTemplates = true
		manager := runner.NewManager(opts)
		defer manager.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		_, err = cli.Run(ctx, manager, runner.RunSpec{
			URL:         url,
			Duration:    duration,
			Concurrency: concurrency,
			Proxies:     proxies,
		}, cli.Options{
			OutPrefix: out,
			TUI:       tui,
			Out:       cmd.OutOrStdout(),
			Logger:    log,
		})
		return err
	},
}

func init() {
	runCmd.Flags().StringP("url", "u", "", "target URL, may contain {{lane}}, {{seq}} or {{uuid}}")
	runCmd.Flags().IntP("duration", "d", 10, "duration in seconds")
	runCmd.Flags().IntP("concurrency", "c", 10, "number of concurrent lanes")
	runCmd.Flags().StringSliceP("proxy", "p", nil, "proxy URI (http, https, socks4, socks5), repeatable")
	runCmd.Flags().String("rotation", "round_robin", "proxy rotation (round_robin, random)")
	runCmd.Flags().StringP("out", "o", "", "report filename prefix")
	runCmd.Flags().Bool("tui", false, "show the interactive monitor")
	runCmd.Flags().String("store", "bolt", "persistence driver (bolt, sqlite, none)")
	runCmd.Flags().String("store-path", "", "store file")
	_ = runCmd.MarkFlagRequired("url")
}

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stresslab/internal/banner"
	"stresslab/internal/config"
	"stresslab/internal/proxy"
	"stresslab/internal/runner"
	"stresslab/internal/storage"
)

var (
	cfgFile string
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "stresslab",
	Short: "StressLab - concurrent HTTP load generator",
	Long: `
StressLab drives concurrent HTTP load against a target, optionally through
HTTP or SOCKS proxies, and streams live progress while it runs.

Run it as an API server (serve) or headless from the terminal (run).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v = config.New(cfgFile)
		return bindFlags(cmd, map[string]string{
			"log.level": "log-level",
			"log.json":  "log-json",
		})
	},
}

func Execute() {
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stresslab.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON instead of console text")

	rootCmd.AddCommand(serveCmd, runCmd, watchCmd, historyCmd, dummyCmd)
}

// bindFlags maps config keys to flags of cmd. Only flags set on the command
// line override the config file.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig binds the command's flags, reads the config and builds the
// logger.
func loadConfig(cmd *cobra.Command, keys map[string]string) (config.Config, zerolog.Logger, error) {
	if err := bindFlags(cmd, keys); err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := newLogger(cfg.Log)
	return cfg, log, err
}

func newLogger(c config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log.level: %w", err)
	}
	if c.JSON {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger(), nil
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func openStore(cfg config.Config) (storage.Store, error) {
	path := cfg.Store.Path
	if path == "" {
		name := "stresslab.db"
		if cfg.Store.Driver == "sqlite" {
			name = "stresslab.sqlite"
		}
		path = storage.DefaultPath(name)
	}
	return storage.Open(cfg.Store.Driver, path)
}

func managerOptions(cfg config.Config, sink storage.Sink, log zerolog.Logger) runner.Options {
	return runner.Options{
		Limits: runner.Limits{
			MaxConcurrency: cfg.Limits.MaxConcurrency,
			MinDuration:    cfg.Limits.MinDuration,
			MaxDuration:    cfg.Limits.MaxDuration,
		},
		Timeouts: proxy.Timeouts{
			Connect: cfg.Request.ConnectTimeout,
			Read:    cfg.Request.ReadTimeout,
		},
		Strategy:  proxy.StrategyByName(cfg.Proxy.Rotation),
		Sink:      sink,
		Logger:    log,
		Retention: cfg.Retention.FinishedTTL,
	}
}

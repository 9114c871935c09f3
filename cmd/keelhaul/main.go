package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"keelhaul/cmd/keelhaul/ui"
	"keelhaul/config"
	"keelhaul/internal/buildinfo"
	"keelhaul/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{}
	err := rootCmd(app).ExecuteContext(ctx)
	app.closeLogs()
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		stop()
		os.Exit(1)
	}
}

// app carries state shared by every subcommand.
type app struct {
	configFile string
	debug      bool
	plain      bool

	cfg      *config.Config
	closeLog func() error
}

func (a *app) closeLogs() {
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

func rootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "keelhaul",
		Short:         "Keep Docker Swarm services on the newest image digest",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.Configure(a.plain)

			cfg, err := config.Load(a.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if a.debug {
				cfg.Log.Level = logging.LevelDebug
			}
			switch cmd.Name() {
			case "config", "version", "health":
			default:
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			a.cfg = cfg

			// Only the agent writes to the configured log targets; one-shot
			// commands log warnings to the console.
			opts := logging.Options{Level: logging.LevelWarn, Format: cfg.Log.Format}
			if a.debug {
				opts.Level = logging.LevelDebug
			}
			if cmd.Name() == "run" {
				opts = logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File, GelfAddress: cfg.Log.GelfAddress}
			}
			closeLog, err := logging.Configure(opts)
			if err != nil {
				return &config.Error{Key: "log", Err: err}
			}
			a.closeLog = closeLog
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configFile, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG"), "Configuration file (YAML)")
	pf.BoolVar(&a.debug, "debug", false, "Enable debug logging")
	pf.BoolVar(&a.plain, "plain", false, "Disable colors and styling")
	pf.String("host", "", "Docker Engine endpoint (overrides DOCKER_HOST)")
	pf.String("data-dir", "", "Data directory for the instance lock")
	pf.String("label-prefix", "", "Namespace of the policy labels")
	pf.StringSlice("exclude", nil, "Service names never managed")
	pf.StringSlice("filter", nil, "Engine-side service filters (key=value)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: text, json")
	pf.String("history.path", "", "SQLite pass history database")

	root.AddCommand(
		runCmd(a),
		checkCmd(a),
		historyCmd(a),
		doctorCmd(a),
		healthCmd(a),
		configCmd(a),
		versionCmd(),
	)
	return root
}

// loopFlags registers the flags that tune the reconciliation loop.
func loopFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("interval", "", "Poll interval (30s, 5m, 1h, 1d; a bare number counts minutes)")
	f.Int("max-concurrent", 0, "Service checks in flight")
	f.String("call-timeout", "", "Timeout per engine or registry call")
	f.String("pass-timeout", "", "Upper bound for one pass (0 disables)")
}

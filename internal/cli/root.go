// Package cli implements the stimtune command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hcfes/stimtune/pkg/config"
	"github.com/hcfes/stimtune/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Version is set at build time with -ldflags "-X github.com/hcfes/stimtune/internal/cli.Version=..."
var Version = "dev"

// app carries what the subcommands share: the override layer and the log sink
type app struct {
	v       *viper.Viper
	cfgFile string
	log     *slog.Logger
	closer  io.Closer
}

// NewRootCmd builds the command tree. Each call returns an independent tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "stimtune",
		Short:         "Closed-loop tuning of FES stimulation parameters for hand-cycling",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.v.SetEnvPrefix("STIMTUNE")
			a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
			a.v.AutomaticEnv()
			return a.bindFlags(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closer != nil {
				return a.closer.Close()
			}
			return nil
		},
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "session.yaml", "session config file")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (json, text)")
	pf.String("log-file", "", "also write logs to this rotated file")

	root.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newManualCmd(a),
		newStatusCmd(a),
		newAbortCmd(a),
		newWatchCmd(a),
		newBoundsCmd(a),
		newVersionCmd(),
	)
	return root
}

// flagKeys maps command-line flags to their override keys
var flagKeys = map[string]string{
	"log-level":       "log.level",
	"log-format":      "log.format",
	"log-file":        "log.file",
	"http-addr":       "control.http_addr",
	"grpc-addr":       "control.grpc_addr",
	"notify-url":      "control.notify_url",
	"persistence-dir": "persistence.dir",
	"backend":         "persistence.backend",
	"dsn":             "persistence.dsn",
	"dry-run":         "dry_run",
	"session-id":      "session_id",
}

func (a *app) bindFlags(cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	return nil
}

// loadConfig reads the session file, applies flag and STIMTUNE_* overrides and sets up logging
func (a *app) loadConfig() (*config.SessionConfig, error) {
	cfg, err := config.LoadSession(a.cfgFile)
	if err != nil {
		return nil, err
	}
	a.applyOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid session config after overrides: %w", err)
	}
	a.setupLogger(cfg.Log)
	return cfg, nil
}

func (a *app) applyOverrides(cfg *config.SessionConfig) {
	str := func(key string, dst *string) {
		if a.v.IsSet(key) {
			if s := a.v.GetString(key); s != "" {
				*dst = s
			}
		}
	}
	str("log.level", &cfg.Log.Level)
	str("log.format", &cfg.Log.Format)
	str("log.file", &cfg.Log.File)
	str("control.http_addr", &cfg.Control.HTTPAddr)
	str("control.grpc_addr", &cfg.Control.GRPCAddr)
	str("control.notify_url", &cfg.Control.NotifyURL)
	str("persistence.dir", &cfg.Persistence.Dir)
	str("persistence.backend", &cfg.Persistence.Backend)
	str("persistence.dsn", &cfg.Persistence.DSN)

	if a.dryRun() {
		cfg.Device.Driver = "simulated"
		cfg.Persistence.Backend = "memory"
	}
}

func (a *app) dryRun() bool {
	return a.v.GetBool("dry_run")
}

func (a *app) setupLogger(lc config.LogSection) {
	opts := logger.Options{Level: lc.Level, Format: lc.Format}
	if lc.File != "" {
		path, err := config.ExpandPath(lc.File)
		if err != nil {
			path = lc.File
		}
		opts.File = &logger.FileOptions{
			Path:       path,
			MaxSizeMB:  lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAgeDays: lc.MaxAgeDays,
			Compress:   lc.Compress,
		}
	}
	a.log, a.closer = logger.Build(opts)
	logger.SetDefault(a.log)
}

// quickLogger is used by commands that do not load a session file
func (a *app) quickLogger() *slog.Logger {
	if a.log == nil {
		a.setupLogger(config.LogSection{
			Level:  a.v.GetString("log.level"),
			Format: a.v.GetString("log.format"),
			File:   a.v.GetString("log.file"),
		})
	}
	return a.log
}

// Execute runs the command tree with ctx and returns the process exit code
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "stimtune", Version)
			return err
		},
	}
}

// Package cmd is the pljs command line: it creates databases, runs SQL and procedure
// calls through an engine session, inspects the procedure catalog and serves the
// engine over HTTP and the PostgreSQL wire protocol.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markb/pljs/internal/log"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:   "pljs",
	Short: "JavaScript stored procedures on SQLite",
	Long: `pljs runs stored procedures and triggers written in JavaScript inside a
SQLite backed engine. Procedures are created with CREATE FUNCTION ... LANGUAGE pljs.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := log.DefaultConfig()
		cfg.Level, _ = cmd.Flags().GetString("log-level")
		cfg.Format, _ = cmd.Flags().GetString("log-format")
		cfg.BufferLines, _ = cmd.Flags().GetInt("log-buffer")
		if err := log.Init(cfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate("pljs version {{.Version}}\n")

	pf := rootCmd.PersistentFlags()
	pf.String("db", "pljs.db", "Path to database file")
	pf.String("log-level", "warn", "Log level: debug, info, warn, error")
	pf.String("log-format", "text", "Log format: text or json")
	pf.Int("log-buffer", 500, "Recent log lines kept in memory (0 disables)")
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: ", err)
		stop()
		os.Exit(1)
	}
}

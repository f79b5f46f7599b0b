package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/pljs/internal/db"
	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/pl"
	"github.com/markb/pljs/internal/types"
	"github.com/markb/pljs/internal/types/nettypes"
)

// addRuntimeFlags registers the flags that shape an engine session.
func addRuntimeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Duration("timeout", 0, "Abort a procedure call after this long (0 disables)")
	f.Int("safe-level", pl.SafeFrozen, "Sandbox level: 0 none, 1 no eval, 2 frozen builtins, 3 sealed global")
	f.Bool("no-network-types", false, "Do not register the inet, cidr and macaddr types")
	f.Int("max-nesting", engine.DefaultConfig().MaxNesting, "Maximum depth of nested procedure calls")
}

// openDB opens an existing database and brings its catalog up to date.
func openDB(cmd *cobra.Command) (*db.DB, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s (run 'pljs init' first)", dbPath)
	}
	database, err := db.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.RunMigrations(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database, nil
}

// runtimeConfig builds the engine and handler configuration from the runtime flags.
func runtimeConfig(cmd *cobra.Command) (engine.Config, pl.Config, error) {
	engCfg := engine.DefaultConfig()
	engCfg.MaxNesting, _ = cmd.Flags().GetInt("max-nesting")
	engCfg.Types = types.NewRegistry()
	if noNet, _ := cmd.Flags().GetBool("no-network-types"); !noNet {
		if err := engCfg.Types.Install(nettypes.Register); err != nil {
			return engCfg, pl.Config{}, err
		}
	}

	plCfg := pl.DefaultConfig()
	plCfg.Timeout, _ = cmd.Flags().GetDuration("timeout")
	plCfg.SafeLevel, _ = cmd.Flags().GetInt("safe-level")
	if plCfg.SafeLevel < pl.SafeNone || plCfg.SafeLevel > pl.SafeSealed {
		return engCfg, plCfg, fmt.Errorf("--safe-level must be between %d and %d", pl.SafeNone, pl.SafeSealed)
	}
	return engCfg, plCfg, nil
}

// openSession opens the database and a session on it with pljs installed. The
// returned function closes both.
func openSession(ctx context.Context, cmd *cobra.Command) (*engine.Session, func(), error) {
	engCfg, plCfg, err := runtimeConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	database, err := openDB(cmd)
	if err != nil {
		return nil, nil, err
	}
	s, err := engine.Open(ctx, database, engCfg)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	pl.Install(s, plCfg)
	return s, func() {
		s.Close()
		database.Close()
	}, nil
}

// printResult writes rows as an aligned table followed by the command tag. Notices go
// to errw.
func printResult(w, errw io.Writer, res *engine.Result) error {
	for _, n := range res.Notices {
		fmt.Fprintln(errw, n.String())
	}
	if res.Desc != nil && res.Desc.NAttrs() > 0 {
		rows, err := res.TextRows()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(res.Desc.Names(), "\t"))
		for _, r := range rows {
			cols := make([]string, len(r))
			for i, v := range r {
				if v == nil {
					cols[i] = "NULL"
				} else {
					cols[i] = *v
				}
			}
			fmt.Fprintln(tw, strings.Join(cols, "\t"))
		}
		tw.Flush()
		fmt.Fprintf(w, "(%d row%s)\n", len(rows), plural(len(rows)))
		return nil
	}
	if res.Tag != "" {
		fmt.Fprintln(w, res.Tag)
	}
	return nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func printTiming(w io.Writer, d time.Duration) {
	fmt.Fprintf(w, "Time: %.3f ms\n", float64(d.Microseconds())/1000)
}

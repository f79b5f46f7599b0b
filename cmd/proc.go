package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/markb/pljs/internal/catalog"
)

var procCmd = &cobra.Command{
	Use:   "proc",
	Short: "Inspect and manage stored procedures",
}

// withStore runs fn against the catalog of the --db database.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *catalog.Store) error) error {
	database, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(cmd.Context(), catalog.NewStore(database))
}

func signature(p *catalog.Proc) string {
	args := make([]string, len(p.Args))
	for i, a := range p.Args {
		args[i] = strings.TrimSpace(a.Name + " " + a.Type)
	}
	ret := p.ReturnType
	if p.ReturnsSet && !strings.HasPrefix(strings.ToUpper(ret), "TABLE") {
		ret = "SETOF " + ret
	}
	return fmt.Sprintf("%s(%s) RETURNS %s", p.Name, strings.Join(args, ", "), ret)
}

var procListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored procedures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *catalog.Store) error {
			procs, err := store.ListProcs(ctx)
			if err != nil {
				return err
			}
			if len(procs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No procedures found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OID\tSIGNATURE\tLANGUAGE\tVOLATILITY")
			for _, p := range procs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.OID, signature(p), p.Language, p.Volatility)
			}
			return w.Flush()
		})
	},
}

var procShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a procedure's definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *catalog.Store) error {
			p, err := store.GetProc(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CREATE FUNCTION %s\nLANGUAGE %s %s", signature(p), p.Language, strings.ToUpper(p.Volatility))
			if p.Strict {
				fmt.Fprint(out, " STRICT")
			}
			fmt.Fprintf(out, "\nAS $$%s$$;\n", p.Source)

			triggers, err := store.ListTriggers(ctx)
			if err != nil {
				return err
			}
			for _, t := range triggers {
				if t.ProcOID == p.OID {
					fmt.Fprintf(out, "-- trigger %s %s %s ON %s FOR EACH %s\n", t.Name, t.Timing, t.Events, t.Table, t.Level)
				}
			}
			return nil
		})
	},
}

var procDropCmd = &cobra.Command{
	Use:   "drop <name>",
	Short: "Drop a procedure and its triggers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return withStore(cmd, func(ctx context.Context, store *catalog.Store) error {
			if !force && !confirm(fmt.Sprintf("Drop procedure %q?", args[0])) {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}
			if err := store.DeleteProc(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dropped procedure %q\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(procCmd)
	procCmd.AddCommand(procListCmd, procShowCmd, procDropCmd)
	procDropCmd.Flags().BoolP("force", "f", false, "Skip the confirmation prompt")
}

// confirm asks a yes/no question on a terminal. Without one it assumes yes.
func confirm(question string) bool {
	if !isTerminal(os.Stdin) {
		return true
	}
	fmt.Printf("%s [y/N]: ", question)
	var answer string
	fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec [sql]",
	Short: "Run SQL through an engine session",
	Long: `Runs one or more semicolon separated statements. Each statement runs in its own
transaction; procedures and triggers fire as they would for any client.

Examples:
  pljs exec "CREATE TABLE t (v INTEGER)"
  pljs exec -f schema.sql`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		timing, _ := cmd.Flags().GetBool("timing")

		var script string
		switch {
		case file == "-":
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
			script = string(b)
		case file != "":
			b, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			script = string(b)
		case len(args) == 1:
			script = args[0]
		default:
			return fmt.Errorf("nothing to run: pass SQL or --file")
		}

		s, closeFn, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
		start := time.Now()
		results, err := s.ExecScript(cmd.Context(), script)
		for _, res := range results {
			if perr := printResult(out, errOut, res); perr != nil {
				return perr
			}
		}
		if timing {
			printTiming(errOut, time.Since(start))
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringP("file", "f", "", "Read statements from a file (- for stdin)")
	execCmd.Flags().Bool("timing", false, "Report elapsed time")
	addRuntimeFlags(execCmd)
}

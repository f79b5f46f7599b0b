package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <name> [args...]",
	Short: "Call a stored procedure",
	Long: `Calls a procedure with text arguments, as SELECT * FROM name(args) would.
An argument equal to the --null marker is passed as NULL.

Examples:
  pljs call add_one 41
  pljs call greet '\N'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		null, _ := cmd.Flags().GetString("null")
		timing, _ := cmd.Flags().GetBool("timing")

		s, closeFn, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		callArgs := make([]*string, len(args)-1)
		for i, a := range args[1:] {
			if a == null {
				continue
			}
			callArgs[i] = &args[i+1]
		}

		start := time.Now()
		res, err := s.Call(cmd.Context(), args[0], callArgs)
		if err != nil {
			return err
		}
		err = printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
		if timing {
			printTiming(cmd.ErrOrStderr(), time.Since(start))
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().String("null", `\N`, "Argument text standing for NULL")
	callCmd.Flags().Bool("timing", false, "Report elapsed time")
	addRuntimeFlags(callCmd)
}

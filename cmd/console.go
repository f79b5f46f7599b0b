package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/log"
)

const consoleHelp = `\q          quit
\df         list procedures
\dt         list tables
\logs [n]   show the last n log lines (default 20)
\timing     toggle timing of statements
\?          this help
Statements run when a line ends with ';' outside a $$ block.
`

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive SQL prompt",
	Long:  `Opens one engine session and runs statements typed at the prompt against it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if !isTerminal(os.Stdin) {
			return runConsole(cmd.Context(), s, &scanLines{sc: bufio.NewScanner(os.Stdin)}, cmd.OutOrStdout())
		}

		fd := int(os.Stdin.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer term.Restore(fd, state)

		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "pljs=> ")
		if w, h, err := term.GetSize(fd); err == nil {
			t.SetSize(w, h)
		}
		fmt.Fprintf(t, "pljs %s console. Type \\? for help.\n", Version)
		return runConsole(cmd.Context(), s, &promptLines{t: t}, t)
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	addRuntimeFlags(consoleCmd)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// lineReader yields input lines and lets the console switch prompts.
type lineReader interface {
	ReadLine() (string, error)
	Continue(more bool)
}

type scanLines struct{ sc *bufio.Scanner }

func (r *scanLines) ReadLine() (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}
	if err := r.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *scanLines) Continue(bool) {}

type promptLines struct{ t *term.Terminal }

func (r *promptLines) ReadLine() (string, error) {
	return r.t.ReadLine()
}

func (r *promptLines) Continue(more bool) {
	if more {
		r.t.SetPrompt("pljs-> ")
	} else {
		r.t.SetPrompt("pljs=> ")
	}
}

// runConsole reads statements until EOF or \q. Failing statements are reported and
// the session carries on.
func runConsole(ctx context.Context, s *engine.Session, in lineReader, out io.Writer) error {
	var buf strings.Builder
	timing := false
	for {
		line, err := in.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if buf.Len() == 0 && strings.HasPrefix(strings.TrimSpace(line), `\`) {
			quit, err := consoleMeta(ctx, s, strings.Fields(strings.TrimSpace(line)), out, &timing)
			if err != nil {
				fmt.Fprintln(out, "ERROR: ", err)
			}
			if quit {
				return nil
			}
			continue
		}

		buf.WriteString(line)
		buf.WriteByte('\n')
		text := buf.String()
		if !statementComplete(text) {
			in.Continue(strings.TrimSpace(text) != "")
			if strings.TrimSpace(text) == "" {
				buf.Reset()
			}
			continue
		}
		buf.Reset()
		in.Continue(false)

		start := time.Now()
		results, err := s.ExecScript(ctx, text)
		for _, res := range results {
			printResult(out, out, res)
		}
		if err != nil {
			fmt.Fprintln(out, "ERROR: ", err)
		}
		if timing {
			printTiming(out, time.Since(start))
		}
	}
}

// statementComplete reports whether text ends a statement: a trailing ';' outside a
// dollar quoted body.
func statementComplete(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasSuffix(trimmed, ";") && strings.Count(trimmed, "$$")%2 == 0
}

func consoleMeta(ctx context.Context, s *engine.Session, fields []string, out io.Writer, timing *bool) (bool, error) {
	switch fields[0] {
	case `\q`:
		return true, nil
	case `\?`:
		fmt.Fprint(out, consoleHelp)
	case `\timing`:
		*timing = !*timing
		state := "off"
		if *timing {
			state = "on"
		}
		fmt.Fprintf(out, "Timing is %s.\n", state)
	case `\df`:
		procs, err := s.Store().ListProcs(ctx)
		if err != nil {
			return false, err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SIGNATURE\tLANGUAGE")
		for _, p := range procs {
			fmt.Fprintf(w, "%s\t%s\n", signature(p), p.Language)
		}
		w.Flush()
	case `\dt`:
		res, err := s.Exec(ctx, `SELECT name FROM sqlite_schema WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' AND name NOT LIKE '\_%' ESCAPE '\' ORDER BY name`)
		if err != nil {
			return false, err
		}
		return false, printResult(out, out, res)
	case `\logs`:
		n := 20
		if len(fields) > 1 {
			v, err := strconv.Atoi(fields[1])
			if err != nil || v <= 0 {
				return false, fmt.Errorf("\\logs takes a positive line count")
			}
			n = v
		}
		lines := log.GetBufferedLogs(n)
		if lines == nil {
			return false, fmt.Errorf("log buffer is disabled")
		}
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
	default:
		return false, fmt.Errorf("unknown command %s, try \\?", fields[0])
	}
	return false, nil
}

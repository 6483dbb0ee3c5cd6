package main

import (
	"encoding/json"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/berth-dev/berth/internal/buildinfo"
)

// cliOptions carries the global flags and the client built from them.
type cliOptions struct {
	socketPath string
	jsonOutput bool
	timeout    time.Duration
	out        io.Writer
	client     *apiClient
}

// newRootCmd builds the berth command tree writing to out.
func newRootCmd(out io.Writer) *cobra.Command {
	opts := &cliOptions{out: out}
	root := &cobra.Command{
		Use:           "berth",
		Short:         "Operate berthd: scheduled tasks, proxy rules and wake-on-request",
		Version:       buildinfo.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.client = newAPIClient(opts.socketPath, opts.timeout)
		},
	}
	root.SetOut(out)
	root.SetVersionTemplate("{{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVar(&opts.socketPath, "socket", defaultSocket(), "path to the berthd socket (or BERTH_SOCKET env)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output json even on a terminal")
	flags.DurationVar(&opts.timeout, "timeout", defaultRequestTimeout, "request timeout (e.g. 30s, 2m)")

	root.AddCommand(
		newTaskCmd(opts),
		newRuleCmd(opts),
		newWakeCmd(opts),
		newEventsCmd(opts),
		newStatusCmd(opts),
		newWorkloadsCmd(opts),
	)
	return root
}

// wantJSON reports whether output should be JSON: always when --json is set,
// and whenever stdout is not a terminal.
func (o *cliOptions) wantJSON() bool {
	if o.jsonOutput {
		return true
	}
	f, ok := o.out.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func (o *cliOptions) printJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *cliOptions) table() *tabwriter.Writer {
	return tabwriter.NewWriter(o.out, 2, 8, 2, ' ', 0)
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/berth-dev/berth/internal/daemon"
)

// wakeGrace is added to the wake timeout for the client-side deadline so the
// daemon reports the timeout rather than the transport.
const wakeGrace = 15 * time.Second

func newWakeCmd(opts *cliOptions) *cobra.Command {
	var (
		wakeTimeout  time.Duration
		pollInterval time.Duration
		maxRetries   int
	)
	cmd := &cobra.Command{
		Use:   "wake <identifier>",
		Short: "Start the workload behind a host, URL or name and wait until it is ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := daemon.V1WakeRequest{Identifier: args[0]}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if wakeTimeout > 0 {
				req.Timeout = wakeTimeout.String()
			}
			if pollInterval > 0 {
				req.PollInterval = pollInterval.String()
			}
			// The daemon bounds the session; only cap the request when the
			// operator picked a timeout.
			client := opts.client.withTimeout(0)
			if wakeTimeout > 0 {
				client = opts.client.withTimeout(wakeTimeout + wakeGrace)
			}
			var resp daemon.V1WakeResponse
			if err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/wake", req, &resp); err != nil {
				return fmt.Errorf("wake %s: %w", args[0], err)
			}
			if opts.wantJSON() {
				return opts.printJSON(resp)
			}
			s := resp.Session
			fmt.Fprintf(opts.out, "%s (%s) is %s after %s\n", orDash(s.Workload), orDash(s.WorkloadID), s.State, s.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	f := cmd.Flags()
	f.DurationVar(&wakeTimeout, "wake-timeout", 0, "give up after this long (daemon default when zero)")
	f.DurationVar(&pollInterval, "poll-interval", 0, "health poll interval (daemon default when zero)")
	f.IntVar(&maxRetries, "max-retries", 0, "consecutive failed inspections tolerated, 0 fails on the first (daemon default when unset)")
	return cmd
}

func newEventsCmd(opts *cliOptions) *cobra.Command {
	var (
		after int64
		tail  int
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recorded events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if after > 0 {
				query.Set("after", strconv.FormatInt(after, 10))
			}
			if tail > 0 {
				query.Set("tail", strconv.Itoa(tail))
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/events/history"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}
			var resp daemon.V1EventsResponse
			if err := opts.client.doJSON(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return fmt.Errorf("events: %w", err)
			}
			if opts.wantJSON() {
				return opts.printJSON(resp)
			}
			printEvents(opts, resp.Events)
			return nil
		},
	}
	f := cmd.Flags()
	f.Int64Var(&after, "after", 0, "only events with an id greater than this")
	f.IntVar(&tail, "tail", 0, "only the most recent n events")
	f.IntVar(&limit, "limit", 0, "maximum number of events (daemon default when zero)")
	cmd.MarkFlagsMutuallyExclusive("after", "tail")
	return cmd
}

func printEvents(opts *cliOptions, events []daemon.V1Event) {
	if len(events) == 0 {
		fmt.Fprintln(opts.out, "No events.")
		return
	}
	w := opts.table()
	fmt.Fprintln(w, "ID\tTIME\tKIND\tPAYLOAD")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.ID, ev.Timestamp, ev.Kind, string(ev.Payload))
	}
	_ = w.Flush()
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st daemon.V1StatusResponse
			if err := opts.client.doJSON(cmd.Context(), http.MethodGet, "/v1/status", nil, &st); err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if opts.wantJSON() {
				return opts.printJSON(st)
			}
			w := opts.table()
			fmt.Fprintf(w, "Version:\t%s\n", st.Version)
			fmt.Fprintf(w, "Tasks:\t%d (%d enabled)\n", st.Tasks.Total, st.Tasks.Enabled)
			fmt.Fprintf(w, "Rules:\t%s\n", formatCounts(st.Rules))
			fmt.Fprintf(w, "Proxy config:\t%s (%d rules, %d skipped)\n", orDash(st.Proxy.Path), st.Proxy.Rules, st.Proxy.Skipped)
			fmt.Fprintf(w, "Wake gateway:\t%s\n", orDash(st.WakeListen))
			fmt.Fprintf(w, "Metrics:\t%s\n", yesNo(st.Metrics.Enabled))
			fmt.Fprintf(w, "Events:\tseq %d, %d subscriber(s)\n", st.Events.LastSeq, st.Events.Subscribers)
			return w.Flush()
		},
	}
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%d %s", counts[k], k)
	}
	return out
}

func newWorkloadsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workloads",
		Short: "List workloads known to the runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp daemon.V1WorkloadsResponse
			if err := opts.client.doJSON(cmd.Context(), http.MethodGet, "/v1/workloads", nil, &resp); err != nil {
				return fmt.Errorf("workloads: %w", err)
			}
			if opts.wantJSON() {
				return opts.printJSON(resp)
			}
			if len(resp.Workloads) == 0 {
				fmt.Fprintln(opts.out, "No workloads.")
				return nil
			}
			w := opts.table()
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tDOMAIN\tGROUP")
			for _, wl := range resp.Workloads {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", wl.ID, wl.Name, wl.State, orDash(wl.Domain()), orDash(wl.Group()))
			}
			return w.Flush()
		},
	}
}

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/berth-dev/berth/internal/daemon"
	"github.com/berth-dev/berth/internal/models"
)

func newRuleCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage proxy rules",
	}
	cmd.AddCommand(
		newRuleListCmd(opts),
		newRuleAddCmd(opts),
		newRuleRemoveCmd(opts),
		newRuleConfigCmd(opts),
	)
	return cmd
}

func newRuleListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List proxy rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp daemon.V1RulesResponse
			if err := opts.client.doJSON(cmd.Context(), http.MethodGet, "/v1/rules", nil, &resp); err != nil {
				return fmt.Errorf("list rules: %w", err)
			}
			if opts.wantJSON() {
				return opts.printJSON(resp)
			}
			printRules(opts, resp.Rules)
			return nil
		},
	}
}

func newRuleAddCmd(opts *cliOptions) *cobra.Command {
	var input models.ProxyRuleInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or replace a proxy rule",
		Example: `  berth rule add --subdomain app --domain example.com --target http://10.0.0.5:8080 --tls
  berth rule add --id blog --subdomain blog --domain example.com --target blog:2368 --workload blog --health-check`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rule models.ProxyRule
			if err := opts.client.doJSON(cmd.Context(), http.MethodPost, "/v1/rules", input, &rule); err != nil {
				return fmt.Errorf("add rule: %w", err)
			}
			if opts.wantJSON() {
				return opts.printJSON(rule)
			}
			printRules(opts, []models.ProxyRule{rule})
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&input.ID, "id", "", "rule id (generated when empty; an existing id is replaced)")
	f.StringVar(&input.Subdomain, "subdomain", "", "public subdomain")
	f.StringVar(&input.Domain, "domain", "", "parent domain")
	f.StringVar(&input.Target, "target", "", "upstream as host:port or http(s)://host[:port]")
	f.StringVar(&input.WorkloadRef, "workload", "", "workload woken for this host")
	f.BoolVar(&input.TLS, "tls", false, "serve the host over TLS")
	f.BoolVar(&input.HealthCheck, "health-check", false, "probe the upstream and track rule status")
	_ = cmd.MarkFlagRequired("subdomain")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newRuleRemoveCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove an operator proxy rule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp daemon.V1DeleteResponse
			path := "/v1/rules/" + url.PathEscape(args[0])
			if err := opts.client.doJSON(cmd.Context(), http.MethodDelete, path, nil, &resp); err != nil {
				return fmt.Errorf("remove rule %s: %w", args[0], err)
			}
			if opts.wantJSON() {
				return opts.printJSON(resp)
			}
			fmt.Fprintf(opts.out, "removed rule %s\n", resp.ID)
			return nil
		},
	}
}

func newRuleConfigCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the generated proxy configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp daemon.V1ProxyConfigResponse
			if err := opts.client.doJSON(cmd.Context(), http.MethodGet, "/v1/proxy/config", nil, &resp); err != nil {
				return fmt.Errorf("proxy config: %w", err)
			}
			if opts.wantJSON() {
				return opts.printJSON(resp)
			}
			fmt.Fprint(opts.out, resp.Content)
			ids := make([]string, 0, len(resp.Errors))
			for id := range resp.Errors {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(opts.out, "# skipped rule %s: %s\n", id, resp.Errors[id])
			}
			return nil
		},
	}
}

func printRules(opts *cliOptions, rules []models.ProxyRule) {
	if len(rules) == 0 {
		fmt.Fprintln(opts.out, "No proxy rules.")
		return
	}
	w := opts.table()
	fmt.Fprintln(w, "ID\tHOST\tTARGET\tSTATUS\tTLS\tWORKLOAD\tSOURCE")
	for _, r := range rules {
		status := string(r.Status)
		if r.StatusMessage != "" {
			status += " (" + strings.TrimSpace(r.StatusMessage) + ")"
		}
		source := "operator"
		if r.AutoGenerated {
			source = "auto"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Host(), r.Target, status, yesNo(r.TLS), orDash(r.WorkloadRef), source)
	}
	_ = w.Flush()
}

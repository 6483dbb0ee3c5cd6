package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/berth-dev/berth/internal/daemon"
	"github.com/berth-dev/berth/internal/models"
)

func newTaskCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(
		newTaskListCmd(opts),
		newTaskShowCmd(opts),
		newTaskAddCmd(opts),
		newTaskToggleCmd(opts, "enable", true),
		newTaskToggleCmd(opts, "disable", false),
		newTaskRemoveCmd(opts),
		newTaskRunCmd(opts),
	)
	return cmd
}

func taskPath(id string) string {
	return "/v1/tasks/" + url.PathEscape(id)
}

func newTaskListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp daemon.V1TasksResponse
			if err := opts.client.doJSON(cmd.Context(), http.MethodGet, "/v1/tasks", nil, &resp); err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if opts.wantJSON() {
				return opts.printJSON(resp)
			}
			printTasks(opts, resp.Tasks)
			return nil
		},
	}
}

func newTaskShowCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task models.ScheduledTask
			if err := opts.client.doJSON(cmd.Context(), http.MethodGet, taskPath(args[0]), nil, &task); err != nil {
				return fmt.Errorf("show task %s: %w", args[0], err)
			}
			return printTask(opts, task)
		},
	}
}

func newTaskAddCmd(opts *cliOptions) *cobra.Command {
	var (
		input    models.ScheduledTaskInput
		kind     string
		action   string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a scheduled task",
		Example: `  berth task add --name nightly-restart --target api --action restart --schedule "0 3 * * *"
  berth task add --name weekend-off --target staging --target-kind group --action stop --schedule "0 20 * * 5"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			input.TargetKind = models.TargetKind(strings.TrimSpace(kind))
			input.Action = models.TaskAction(strings.TrimSpace(action))
			input.Enabled = !disabled
			var task models.ScheduledTask
			if err := opts.client.doJSON(cmd.Context(), http.MethodPost, "/v1/tasks", input, &task); err != nil {
				return fmt.Errorf("add task: %w", err)
			}
			return printTask(opts, task)
		},
	}
	f := cmd.Flags()
	f.StringVar(&input.ID, "id", "", "task id (generated when empty)")
	f.StringVar(&input.Name, "name", "", "task name")
	f.StringVar(&input.Description, "description", "", "free-form description")
	f.StringVar(&input.Target, "target", "", "workload id/name or group id")
	f.StringVar(&kind, "target-kind", string(models.TargetWorkload), "workload or group")
	f.StringVar(&action, "action", "", "start, stop, restart or update")
	f.StringVar(&input.Schedule, "schedule", "", `five-field cron expression or descriptor such as "@daily"`)
	f.BoolVar(&disabled, "disabled", false, "register the task disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}

func newTaskToggleCmd(opts *cliOptions, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := models.ScheduledTaskPatch{Enabled: &enabled}
			var task models.ScheduledTask
			if err := opts.client.doJSON(cmd.Context(), http.MethodPatch, taskPath(args[0]), patch, &task); err != nil {
				return fmt.Errorf("%s task %s: %w", verb, args[0], err)
			}
			return printTask(opts, task)
		},
	}
}

func newTaskRemoveCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove a scheduled task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp daemon.V1DeleteResponse
			if err := opts.client.doJSON(cmd.Context(), http.MethodDelete, taskPath(args[0]), nil, &resp); err != nil {
				return fmt.Errorf("remove task %s: %w", args[0], err)
			}
			if opts.wantJSON() {
				return opts.printJSON(resp)
			}
			fmt.Fprintf(opts.out, "removed task %s\n", resp.ID)
			return nil
		},
	}
}

func newTaskRunCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Execute a task now, enabled or not",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var exec models.TaskExecution
			if err := opts.client.doJSON(cmd.Context(), http.MethodPost, taskPath(args[0])+"/run", nil, &exec); err != nil {
				return fmt.Errorf("run task %s: %w", args[0], err)
			}
			if opts.wantJSON() {
				if err := opts.printJSON(exec); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(opts.out, "%s %s on %s in %s\n", exec.Action, outcome(exec.Success),
					orDash(strings.Join(exec.Targets, ",")), exec.FinishedAt.Sub(exec.StartedAt).Round(time.Millisecond))
			}
			if !exec.Success {
				return fmt.Errorf("task %s failed: %s", args[0], exec.Error)
			}
			return nil
		},
	}
}

func outcome(success bool) string {
	if success {
		return "succeeded"
	}
	return "failed"
}

func printTask(opts *cliOptions, task models.ScheduledTask) error {
	if opts.wantJSON() {
		return opts.printJSON(task)
	}
	w := opts.table()
	fmt.Fprintf(w, "ID:\t%s\n", task.ID)
	fmt.Fprintf(w, "Name:\t%s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(w, "Description:\t%s\n", task.Description)
	}
	fmt.Fprintf(w, "Target:\t%s (%s)\n", task.Target, task.TargetKind)
	fmt.Fprintf(w, "Action:\t%s\n", task.Action)
	fmt.Fprintf(w, "Schedule:\t%s\n", task.Schedule)
	fmt.Fprintf(w, "Status:\t%s\n", task.Status)
	fmt.Fprintf(w, "Next run:\t%s\n", formatTime(task.NextRun))
	fmt.Fprintf(w, "Last run:\t%s\n", formatTime(task.LastRun))
	return w.Flush()
}

func printTasks(opts *cliOptions, tasks []models.ScheduledTask) {
	if len(tasks) == 0 {
		fmt.Fprintln(opts.out, "No scheduled tasks.")
		return
	}
	w := opts.table()
	fmt.Fprintln(w, "ID\tNAME\tTARGET\tACTION\tSCHEDULE\tSTATUS\tNEXT RUN")
	for _, t := range tasks {
		target := t.Target
		if t.TargetKind == models.TargetGroup {
			target = "group:" + target
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, target, t.Action, t.Schedule, t.Status, formatTime(t.NextRun))
	}
	_ = w.Flush()
}

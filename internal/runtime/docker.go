// ABOUTME: This file implements the Adapter interface using the Docker CLI.
// Listing uses `docker ps --format '{{json .}}'`; inspection decodes `docker inspect` output.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// CommandRunner executes external commands.
type CommandRunner interface {
	// Run executes a command and returns its stdout or an error carrying stderr.
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		fullCmd := strings.Join(append([]string{name}, args...), " ")
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg != "" {
			return "", fmt.Errorf("command %s failed: %w: %s", fullCmd, err, errMsg)
		}
		return "", fmt.Errorf("command %s failed: %w", fullCmd, err)
	}
	return stdout.String(), nil
}

// DockerAdapter implements Adapter with the docker CLI.
type DockerAdapter struct {
	DockerPath     string        // Path to docker (defaults to "docker")
	Runner         CommandRunner // Command execution strategy (defaults to ExecRunner)
	CommandTimeout time.Duration // Per-command timeout (zero disables)
	StopTimeout    time.Duration // Grace period passed to docker stop/restart
}

var _ Adapter = (*DockerAdapter)(nil)

type dockerPSEntry struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Labels string `json:"Labels"`
}

type dockerInspect struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status string `json:"Status"`
		Health *struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		IPAddress string `json:"IPAddress"`
		Networks  map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}

func (d *DockerAdapter) List(ctx context.Context) ([]WorkloadSummary, error) {
	out, err := d.run(ctx, "ps", "-a", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, adapterError("list", "", err)
	}
	return parsePSOutput(out)
}

func (d *DockerAdapter) Inspect(ctx context.Context, id string) (WorkloadDetail, error) {
	out, err := d.run(ctx, "inspect", "--type", "container", id)
	if err != nil {
		if isMissingContainerError(err) {
			return WorkloadDetail{}, adapterError("inspect", id, fmt.Errorf("%w: %s", ErrWorkloadNotFound, id))
		}
		return WorkloadDetail{}, adapterError("inspect", id, err)
	}
	detail, err := parseInspectOutput(out)
	if err != nil {
		return WorkloadDetail{}, adapterError("inspect", id, err)
	}
	return detail, nil
}

func (d *DockerAdapter) Start(ctx context.Context, id string) error {
	return d.mutate(ctx, "start", id)
}

func (d *DockerAdapter) Stop(ctx context.Context, id string) error {
	return d.mutate(ctx, "stop", id)
}

func (d *DockerAdapter) Restart(ctx context.Context, id string) error {
	return d.mutate(ctx, "restart", id)
}

func (d *DockerAdapter) mutate(ctx context.Context, op, id string) error {
	args := []string{op}
	if (op == "stop" || op == "restart") && d.StopTimeout > 0 {
		args = append(args, "--time", fmt.Sprintf("%d", int(d.StopTimeout.Seconds())))
	}
	args = append(args, id)
	if _, err := d.run(ctx, args...); err != nil {
		if isMissingContainerError(err) {
			return adapterError(op, id, fmt.Errorf("%w: %s", ErrWorkloadNotFound, id))
		}
		return adapterError(op, id, err)
	}
	return nil
}

func (d *DockerAdapter) run(ctx context.Context, args ...string) (string, error) {
	if d.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.CommandTimeout)
		defer cancel()
	}
	return d.runner().Run(ctx, d.dockerPath(), args...)
}

func (d *DockerAdapter) runner() CommandRunner {
	if d.Runner != nil {
		return d.Runner
	}
	return ExecRunner{}
}

func (d *DockerAdapter) dockerPath() string {
	if d.DockerPath != "" {
		return d.DockerPath
	}
	return "docker"
}

func parsePSOutput(out string) ([]WorkloadSummary, error) {
	var workloads []WorkloadSummary
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry dockerPSEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("parse docker ps output: %w", err)
		}
		name := entry.Names
		if idx := strings.Index(name, ","); idx >= 0 {
			name = name[:idx]
		}
		workloads = append(workloads, WorkloadSummary{
			ID:     entry.ID,
			Name:   name,
			State:  parseState(entry.State),
			Labels: parseLabelList(entry.Labels),
		})
	}
	sort.Slice(workloads, func(i, j int) bool { return workloads[i].Name < workloads[j].Name })
	return workloads, nil
}

func parseInspectOutput(out string) (WorkloadDetail, error) {
	var entries []dockerInspect
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		return WorkloadDetail{}, fmt.Errorf("parse docker inspect output: %w", err)
	}
	if len(entries) == 0 {
		return WorkloadDetail{}, ErrWorkloadNotFound
	}
	entry := entries[0]
	detail := WorkloadDetail{
		WorkloadSummary: WorkloadSummary{
			ID:     entry.ID,
			Name:   strings.TrimPrefix(entry.Name, "/"),
			State:  parseState(entry.State.Status),
			Labels: entry.Config.Labels,
		},
		IP: entry.NetworkSettings.IPAddress,
	}
	if entry.State.Health != nil {
		detail.Health = Health(strings.ToLower(entry.State.Health.Status))
	}
	if detail.IP == "" {
		names := make([]string, 0, len(entry.NetworkSettings.Networks))
		for name := range entry.NetworkSettings.Networks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if ip := entry.NetworkSettings.Networks[name].IPAddress; ip != "" {
				detail.IP = ip
				break
			}
		}
	}
	return detail, nil
}

func parseState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "restarting":
		return StateRunning
	case "exited", "created", "dead", "removing":
		return StateStopped
	case "paused":
		return StatePaused
	default:
		return StateUnknown
	}
}

func parseLabelList(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, _ := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		labels[key] = value
	}
	return labels
}

func isMissingContainerError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "no such object")
}

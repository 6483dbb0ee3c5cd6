package runtime

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type runnerCall struct {
	name string
	args []string
}

type runnerResponse struct {
	stdout string
	err    error
}

type fakeRunner struct {
	calls     []runnerCall
	responses []runnerResponse
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	r.calls = append(r.calls, runnerCall{name: name, args: append([]string(nil), args...)})
	idx := len(r.calls) - 1
	if idx >= len(r.responses) {
		return "", errors.New("unexpected command call")
	}
	resp := r.responses[idx]
	return resp.stdout, resp.err
}

func TestDockerAdapterList(t *testing.T) {
	out := `{"ID":"bbb222","Names":"web","State":"exited","Labels":"berth.domain=app.example.com,berth.group=front"}
{"ID":"aaa111","Names":"db","State":"running","Labels":""}
`
	runner := &fakeRunner{responses: []runnerResponse{{stdout: out}}}
	adapter := &DockerAdapter{Runner: runner}

	workloads, err := adapter.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []runnerCall{{name: "docker", args: []string{"ps", "-a", "--no-trunc", "--format", "{{json .}}"}}}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("List() calls = %#v, want %#v", runner.calls, want)
	}
	if len(workloads) != 2 {
		t.Fatalf("List() returned %d workloads, want 2", len(workloads))
	}
	if workloads[0].Name != "db" || workloads[0].State != StateRunning {
		t.Fatalf("workloads[0] = %#v", workloads[0])
	}
	web := workloads[1]
	if web.State != StateStopped {
		t.Fatalf("web state = %q, want stopped", web.State)
	}
	if web.Domain() != "app.example.com" || web.Group() != "front" {
		t.Fatalf("web labels = %#v", web.Labels)
	}
}

func TestDockerAdapterInspect(t *testing.T) {
	out := `[{"Id":"abc123","Name":"/web","State":{"Status":"running","Health":{"Status":"healthy"}},
"Config":{"Labels":{"berth.domain":"web.example.com"}},
"NetworkSettings":{"IPAddress":"","Networks":{"bridge":{"IPAddress":"172.17.0.4"}}}}]`
	runner := &fakeRunner{responses: []runnerResponse{{stdout: out}}}
	adapter := &DockerAdapter{Runner: runner, DockerPath: "/usr/bin/docker"}

	detail, err := adapter.Inspect(context.Background(), "web")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if runner.calls[0].name != "/usr/bin/docker" {
		t.Fatalf("Inspect() used %q", runner.calls[0].name)
	}
	if detail.Name != "web" || detail.ID != "abc123" {
		t.Fatalf("detail = %#v", detail)
	}
	if !detail.Ready() || detail.Health != HealthHealthy {
		t.Fatalf("expected healthy running workload, got %#v", detail)
	}
	if detail.IP != "172.17.0.4" {
		t.Fatalf("IP = %q", detail.IP)
	}
}

func TestDockerAdapterInspectMissing(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{err: errors.New("command docker inspect failed: exit status 1: Error: No such container: ghost")}}}
	adapter := &DockerAdapter{Runner: runner}

	_, err := adapter.Inspect(context.Background(), "ghost")
	if !errors.Is(err, ErrWorkloadNotFound) {
		t.Fatalf("Inspect() error = %v, want ErrWorkloadNotFound", err)
	}
	var ae *AdapterError
	if !errors.As(err, &ae) || ae.Op != "inspect" {
		t.Fatalf("expected AdapterError for inspect, got %T", err)
	}
}

func TestDockerAdapterStopTimeout(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{}, {}}}
	adapter := &DockerAdapter{Runner: runner, StopTimeout: 15 * time.Second}

	if err := adapter.Stop(context.Background(), "web"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := adapter.Start(context.Background(), "web"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	want := []runnerCall{
		{name: "docker", args: []string{"stop", "--time", "15", "web"}},
		{name: "docker", args: []string{"start", "web"}},
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("calls = %#v, want %#v", runner.calls, want)
	}
}

func TestDockerAdapterSurfacesMessage(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{err: errors.New("port is already allocated")}}}
	adapter := &DockerAdapter{Runner: runner}

	err := adapter.Start(context.Background(), "web")
	if err == nil {
		t.Fatalf("expected error")
	}
	if err.Error() != "start web: port is already allocated" {
		t.Fatalf("Start() error = %q", err.Error())
	}
}

func TestParseState(t *testing.T) {
	cases := map[string]State{
		"running":    StateRunning,
		"Restarting": StateRunning,
		"exited":     StateStopped,
		"created":    StateStopped,
		"paused":     StatePaused,
		"weird":      StateUnknown,
	}
	for raw, want := range cases {
		if got := parseState(raw); got != want {
			t.Fatalf("parseState(%q) = %q, want %q", raw, got, want)
		}
	}
}

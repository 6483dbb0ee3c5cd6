//go:build integration
// +build integration

package runtime

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests require a reachable docker daemon and the image named by
// BERTH_IT_IMAGE (default busybox:latest) available locally.
// Run with: go test -tags=integration ./internal/runtime/...

func integrationAdapter(t *testing.T) *DockerAdapter {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		t.Skip("docker not found in PATH")
	}
	return &DockerAdapter{DockerPath: dockerPath, CommandTimeout: time.Minute, StopTimeout: time.Second}
}

func startContainer(t *testing.T, d *DockerAdapter, labels map[string]string) (string, string) {
	t.Helper()
	image := os.Getenv("BERTH_IT_IMAGE")
	if image == "" {
		image = "busybox:latest"
	}
	name := "berth-it-" + uuid.NewString()[:8]
	args := []string{"run", "-d", "--name", name}
	for k, v := range labels {
		args = append(args, "--label", k+"="+v)
	}
	args = append(args, image, "sleep", "300")
	out, err := ExecRunner{}.Run(context.Background(), d.DockerPath, args...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = ExecRunner{}.Run(context.Background(), d.DockerPath, "rm", "-f", name)
	})
	return strings.TrimSpace(out), name
}

func TestDockerAdapterLifecycle(t *testing.T) {
	d := integrationAdapter(t)
	ctx := context.Background()
	id, name := startContainer(t, d, map[string]string{LabelDomain: "it.example.com", LabelGroup: "it"})

	workloads, err := d.List(ctx)
	require.NoError(t, err)
	w, ok := FindWorkload(workloads, name)
	require.True(t, ok)
	assert.Equal(t, id, w.ID)
	assert.Equal(t, "it.example.com", w.Domain())
	assert.Equal(t, "it", w.Group())
	assert.Equal(t, StateRunning, w.State)

	require.NoError(t, d.Stop(ctx, id))
	detail, err := d.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, detail.State)
	assert.False(t, detail.Ready())

	require.NoError(t, d.Start(ctx, id))
	detail, err = d.Inspect(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, detail.State)

	require.NoError(t, d.Restart(ctx, id))
	detail, err = d.Inspect(ctx, id)
	require.NoError(t, err)
	assert.True(t, detail.Ready())
}

func TestDockerAdapterMissingWorkload(t *testing.T) {
	d := integrationAdapter(t)
	_, err := d.Inspect(context.Background(), "berth-it-does-not-exist")
	require.ErrorIs(t, err, ErrWorkloadNotFound)
}

package daemon

import (
	"encoding/json"

	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/runtime"
)

type V1ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

type V1TasksResponse struct {
	Tasks []models.ScheduledTask `json:"tasks"`
}

type V1RulesResponse struct {
	Rules []models.ProxyRule `json:"rules"`
}

type V1DeleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

type V1ProxyConfigResponse struct {
	Path     string            `json:"path,omitempty"`
	Content  string            `json:"content"`
	Checksum string            `json:"checksum"`
	Rules    int               `json:"rules"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// V1WakeRequest carries optional overrides as Go duration strings ("30s").
type V1WakeRequest struct {
	Identifier   string `json:"identifier"`
	Timeout      string `json:"timeout,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	MaxRetries   *int   `json:"max_retries,omitempty"`
}

type V1WakeResponse struct {
	Session models.WakeSession `json:"session"`
	Error   string             `json:"error,omitempty"`
	Code    string             `json:"code,omitempty"`
}

type V1WorkloadsResponse struct {
	Workloads []runtime.WorkloadSummary `json:"workloads"`
}

type V1StatusTasks struct {
	Total   int `json:"total"`
	Enabled int `json:"enabled"`
}

type V1StatusProxy struct {
	Path     string `json:"path,omitempty"`
	Checksum string `json:"checksum"`
	Rules    int    `json:"rules"`
	Skipped  int    `json:"skipped"`
}

type V1StatusEvents struct {
	LastSeq     uint64 `json:"last_seq"`
	Subscribers int    `json:"subscribers"`
}

type V1StatusMetrics struct {
	Enabled bool `json:"enabled"`
}

type V1StatusResponse struct {
	Version    string          `json:"version"`
	Tasks      V1StatusTasks   `json:"tasks"`
	Rules      map[string]int  `json:"rules"`
	Proxy      V1StatusProxy   `json:"proxy"`
	Events     V1StatusEvents  `json:"events"`
	Metrics    V1StatusMetrics `json:"metrics"`
	WakeListen string          `json:"wake_listen,omitempty"`
}

// V1Event is the wire form of a bus event, both live and from history.
// ID is set only for persisted events.
type V1Event struct {
	ID        int64           `json:"id,omitempty"`
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"ts"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type V1EventsResponse struct {
	Events []V1Event `json:"events"`
	LastID int64     `json:"last_id,omitempty"`
}

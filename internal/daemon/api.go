package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/berth-dev/berth/internal/buildinfo"
	"github.com/berth-dev/berth/internal/db"
	"github.com/berth-dev/berth/internal/events"
	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/proxy"
	"github.com/berth-dev/berth/internal/runtime"
	"github.com/berth-dev/berth/internal/schedule"
	"github.com/berth-dev/berth/internal/wake"
)

const (
	maxJSONBytes       = 1 << 20 // Maximum size for JSON request bodies (1MB)
	defaultEventsLimit = 200     // Default events returned per query
	maxEventsLimit     = 1000    // Maximum events allowed per query
)

// ControlAPI handles local control plane HTTP requests over the Unix socket.
//
// Endpoints:
//   - GET    /v1/tasks              - List scheduled tasks
//   - POST   /v1/tasks              - Register a scheduled task
//   - GET    /v1/tasks/{id}         - Get a task
//   - PATCH  /v1/tasks/{id}         - Update a task (enable, disable, reschedule)
//   - DELETE /v1/tasks/{id}         - Remove a task
//   - POST   /v1/tasks/{id}/run     - Execute a task now
//   - GET    /v1/rules              - List proxy rules
//   - POST   /v1/rules              - Create or update a proxy rule
//   - GET    /v1/rules/{id}         - Get a rule
//   - DELETE /v1/rules/{id}         - Remove an operator rule
//   - GET    /v1/proxy/config       - Current compiled proxy configuration
//   - POST   /v1/wake               - Wake a workload and wait until ready
//   - GET    /v1/workloads          - List runtime workloads
//   - GET    /v1/status             - Daemon status summary
//   - GET    /v1/events             - Live events (Server-Sent Events)
//   - GET    /v1/events/ws          - Live events (WebSocket)
//   - GET    /v1/events/history     - Persisted event log
type ControlAPI struct {
	engine          *schedule.Engine
	compiler        *proxy.Compiler
	waker           *wake.Orchestrator
	adapter         runtime.Adapter
	store           *db.Store
	bus             *events.Bus
	metricsEnabled  bool
	proxyConfigPath string
	wakeListen      string
	logger          *log.Logger
}

// NewControlAPI creates a new control API instance.
//
// Parameters:
//   - engine: Schedule engine owning scheduled tasks
//   - compiler: Proxy rule compiler owning routing rules
//   - waker: Wake orchestrator
//   - adapter: Runtime adapter used for workload listings
//   - logger: Logger for operational output (uses log.Default if nil)
func NewControlAPI(engine *schedule.Engine, compiler *proxy.Compiler, waker *wake.Orchestrator, adapter runtime.Adapter, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlAPI{
		engine:   engine,
		compiler: compiler,
		waker:    waker,
		adapter:  adapter,
		logger:   logger,
	}
}

// WithEvents wires the live bus and the persisted history store.
func (api *ControlAPI) WithEvents(bus *events.Bus, store *db.Store) *ControlAPI {
	if api == nil {
		return api
	}
	api.bus = bus
	api.store = store
	return api
}

// WithMetricsEnabled annotates the status response with metrics listener state.
func (api *ControlAPI) WithMetricsEnabled(enabled bool) *ControlAPI {
	if api == nil {
		return api
	}
	api.metricsEnabled = enabled
	return api
}

// WithListeners annotates status responses with configured endpoints.
func (api *ControlAPI) WithListeners(proxyConfigPath, wakeListen string) *ControlAPI {
	if api == nil {
		return api
	}
	api.proxyConfigPath = strings.TrimSpace(proxyConfigPath)
	api.wakeListen = strings.TrimSpace(wakeListen)
	return api
}

// route binds one HTTP method to a handler.
type route struct {
	method  string
	handler http.HandlerFunc
}

// Register registers all control API handlers with the provided mux.
func (api *ControlAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	handle(mux, "/v1/tasks", route{http.MethodGet, api.handleListTasks}, route{http.MethodPost, api.handleCreateTask})
	handle(mux, "/v1/tasks/{id}",
		route{http.MethodGet, api.handleGetTask},
		route{http.MethodPatch, api.handleUpdateTask},
		route{http.MethodDelete, api.handleDeleteTask})
	handle(mux, "/v1/tasks/{id}/run", route{http.MethodPost, api.handleRunTask})
	handle(mux, "/v1/rules", route{http.MethodGet, api.handleListRules}, route{http.MethodPost, api.handleUpsertRule})
	handle(mux, "/v1/rules/{id}", route{http.MethodGet, api.handleGetRule}, route{http.MethodDelete, api.handleDeleteRule})
	handle(mux, "/v1/proxy/config", route{http.MethodGet, api.handleProxyConfig})
	handle(mux, "/v1/wake", route{http.MethodPost, api.handleWake})
	handle(mux, "/v1/workloads", route{http.MethodGet, api.handleWorkloads})
	handle(mux, "/v1/status", route{http.MethodGet, api.handleStatus})
	handle(mux, "/v1/events", route{http.MethodGet, api.handleEventStream})
	handle(mux, "/v1/events/ws", route{http.MethodGet, api.handleEventSocket})
	handle(mux, "/v1/events/history", route{http.MethodGet, api.handleEventHistory})
	mux.HandleFunc("/v1/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// handle registers a method pattern per route and a method-less fallback on
// the same path that answers 405 in the API error shape.
func handle(mux *http.ServeMux, path string, routes ...route) {
	allow := make([]string, 0, len(routes))
	for _, rt := range routes {
		mux.HandleFunc(rt.method+" "+path, rt.handler)
		allow = append(allow, rt.method)
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w, allow)
	})
}

func (api *ControlAPI) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, V1TasksResponse{Tasks: nonNilTasks(api.engine.List())})
}

func (api *ControlAPI) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req models.ScheduledTaskInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	task, err := api.engine.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (api *ControlAPI) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := api.engine.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (api *ControlAPI) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch models.ScheduledTaskPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	task, err := api.engine.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (api *ControlAPI) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := api.engine.Remove(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1DeleteResponse{ID: id, Deleted: true})
}

func (api *ControlAPI) handleRunTask(w http.ResponseWriter, r *http.Request) {
	exec, err := api.engine.RunNow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (api *ControlAPI) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rules := api.compiler.Rules()
	if rules == nil {
		rules = []models.ProxyRule{}
	}
	writeJSON(w, http.StatusOK, V1RulesResponse{Rules: rules})
}

func (api *ControlAPI) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var req models.ProxyRuleInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	// The operator path never creates auto-generated rules.
	req.AutoGenerated = false
	created := strings.TrimSpace(req.ID) == ""
	if !created {
		if _, err := api.compiler.Get(strings.TrimSpace(req.ID)); err != nil {
			created = true
		}
	}
	rule, err := api.compiler.Upsert(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rule)
}

func (api *ControlAPI) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := api.compiler.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (api *ControlAPI) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := api.compiler.Remove(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1DeleteResponse{ID: id, Deleted: true})
}

func (api *ControlAPI) handleProxyConfig(w http.ResponseWriter, _ *http.Request) {
	artifact := api.compiler.Artifact()
	writeJSON(w, http.StatusOK, V1ProxyConfigResponse{
		Path:     api.proxyConfigPath,
		Content:  artifact.Content,
		Checksum: artifact.Checksum,
		Rules:    artifact.Rules,
		Errors:   artifact.Errors,
	})
}

func (api *ControlAPI) handleWake(w http.ResponseWriter, r *http.Request) {
	var req V1WakeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	opts, err := wakeOptionsFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := api.waker.Wake(r.Context(), req.Identifier, opts)
	if err != nil {
		status := statusForError(err)
		writeJSON(w, status, V1WakeResponse{
			Session: session,
			Error:   err.Error(),
			Code:    daemonErrorCodeForError(status, err),
		})
		return
	}
	writeJSON(w, http.StatusOK, V1WakeResponse{Session: session})
}

func wakeOptionsFromRequest(req V1WakeRequest) (wake.Options, error) {
	var opts wake.Options
	var err error
	if opts.Timeout, err = parseOptionalDuration("timeout", req.Timeout); err != nil {
		return opts, err
	}
	if opts.PollInterval, err = parseOptionalDuration("poll_interval", req.PollInterval); err != nil {
		return opts, err
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return opts, errors.New("invalid max_retries: must not be negative")
		}
		opts.MaxRetries = wake.Retries(*req.MaxRetries)
	}
	return opts, nil
}

func parseOptionalDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid " + field + ": must be a positive duration such as 30s")
	}
	return parsed, nil
}

func (api *ControlAPI) handleWorkloads(w http.ResponseWriter, r *http.Request) {
	workloads, err := api.adapter.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if workloads == nil {
		workloads = []runtime.WorkloadSummary{}
	}
	sort.Slice(workloads, func(i, j int) bool { return workloads[i].Name < workloads[j].Name })
	writeJSON(w, http.StatusOK, V1WorkloadsResponse{Workloads: workloads})
}

func (api *ControlAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := V1StatusResponse{
		Version:    buildinfo.Version,
		Rules:      map[string]int{},
		Metrics:    V1StatusMetrics{Enabled: api.metricsEnabled},
		WakeListen: api.wakeListen,
	}
	for _, task := range api.engine.List() {
		resp.Tasks.Total++
		if task.Enabled {
			resp.Tasks.Enabled++
		}
	}
	for _, rule := range api.compiler.Rules() {
		resp.Rules[string(rule.Status)]++
	}
	artifact := api.compiler.Artifact()
	resp.Proxy = V1StatusProxy{
		Path:     api.proxyConfigPath,
		Checksum: artifact.Checksum,
		Rules:    artifact.Rules,
		Skipped:  artifact.Skipped(),
	}
	if api.bus != nil {
		resp.Events = V1StatusEvents{LastSeq: api.bus.LastSeq(), Subscribers: api.bus.Subscribers()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	if api.store == nil {
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	query := r.URL.Query()
	after, err := parseQueryInt64(query.Get("after"))
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	tail, err := parseQueryInt(query.Get("tail"))
	if err != nil || tail < 0 {
		writeError(w, http.StatusBadRequest, "invalid tail")
		return
	}
	limit, err := parseQueryInt(query.Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if tail > 0 && after > 0 {
		writeError(w, http.StatusBadRequest, "tail and after are mutually exclusive")
		return
	}
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	var stored []db.Event
	if tail > 0 {
		if tail > maxEventsLimit {
			tail = maxEventsLimit
		}
		stored, err = api.store.ListEventsTail(r.Context(), tail)
	} else {
		stored, err = api.store.ListEvents(r.Context(), after, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	resp := V1EventsResponse{Events: make([]V1Event, 0, len(stored))}
	for _, ev := range stored {
		if ev.ID > resp.LastID {
			resp.LastID = ev.ID
		}
		resp.Events = append(resp.Events, storedEventToV1(ev))
	}
	writeJSON(w, http.StatusOK, resp)
}

func storedEventToV1(ev db.Event) V1Event {
	out := V1Event{
		ID:        ev.ID,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Kind:      ev.Kind,
	}
	if strings.TrimSpace(ev.JSON) != "" && json.Valid([]byte(ev.JSON)) {
		out.Payload = json.RawMessage(ev.JSON)
	}
	return out
}

func nonNilTasks(tasks []models.ScheduledTask) []models.ScheduledTask {
	if tasks == nil {
		return []models.ScheduledTask{}
	}
	return tasks
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	payload := V1ErrorResponse{Error: msg, Code: daemonErrorCode(status, msg)}
	if len(err) > 0 && err[0] != nil {
		payload.Details = err[0].Error()
	}
	writeJSON(w, status, payload)
}

// writeDomainError maps component errors to their status and versioned code.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	writeJSON(w, status, V1ErrorResponse{
		Error: err.Error(),
		Code:  daemonErrorCodeForError(status, err),
	})
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func parseQueryInt(value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseQueryInt64(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

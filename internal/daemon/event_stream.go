package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/berth-dev/berth/internal/events"
)

const (
	streamKeepAlive    = 15 * time.Second
	socketWriteTimeout = 10 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control API is served on a local unix socket only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventToV1 renders a live bus event in the wire form shared with history.
func eventToV1(ev events.Event) (V1Event, error) {
	out := V1Event{
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Kind:      string(ev.Kind),
	}
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return out, fmt.Errorf("marshal %s payload: %w", ev.Kind, err)
		}
		out.Payload = data
	}
	return out, nil
}

// streamFilters builds a bus filter from ?kind=workload.,wake.progress. Each
// entry ending in "." is a prefix; others must match exactly. An event passes
// when any entry matches.
func streamFilters(r *http.Request) []events.Filter {
	raw := strings.TrimSpace(r.URL.Query().Get("kind"))
	if raw == "" {
		return nil
	}
	var exact []events.Kind
	var matchers []events.Filter
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case strings.HasSuffix(part, "."):
			matchers = append(matchers, events.KindPrefix(part))
		default:
			exact = append(exact, events.Kind(part))
		}
	}
	if len(exact) > 0 {
		matchers = append(matchers, events.KindIs(exact...))
	}
	if len(matchers) == 0 {
		return nil
	}
	return []events.Filter{func(ev events.Event) bool {
		for _, f := range matchers {
			if f(ev) {
				return true
			}
		}
		return false
	}}
}

func (api *ControlAPI) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if api.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := api.bus.Subscribe(streamFilters(r)...)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				if sub.Dropped() {
					fmt.Fprint(w, "event: dropped\ndata: {}\n\n")
					flusher.Flush()
				}
				return
			}
			wire, err := eventToV1(ev)
			if err != nil {
				api.logger.Printf("events: %v", err)
				continue
			}
			data, _ := json.Marshal(wire)
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", wire.Seq, wire.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (api *ControlAPI) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	if api.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Printf("events: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()
	sub := api.bus.Subscribe(streamFilters(r)...)
	defer sub.Close()

	// The reader only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					api.logger.Printf("events: websocket read: %v", err)
				}
				return
			}
		}
	}()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				reason := "bus closed"
				if sub.Dropped() {
					reason = "subscriber dropped"
				}
				_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason))
				return
			}
			wire, err := eventToV1(ev)
			if err != nil {
				api.logger.Printf("events: %v", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteJSON(wire); err != nil {
				return
			}
		}
	}
}

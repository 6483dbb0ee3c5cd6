package daemon

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/wake"
)

// Waker runs a wake session for an identifier.
type Waker interface {
	Wake(ctx context.Context, identifier string, opts wake.Options) (models.WakeSession, error)
}

// WakeGateway answers any request by waking the workload behind its Host
// header. The proxy routes requests for sleeping workloads here.
type WakeGateway struct {
	waker   Waker
	limiter *WakeRateLimiter
	logger  *log.Logger
}

func NewWakeGateway(waker Waker, limiter *WakeRateLimiter, logger *log.Logger) *WakeGateway {
	if logger == nil {
		logger = log.Default()
	}
	return &WakeGateway{waker: waker, limiter: limiter, logger: logger}
}

func (g *WakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.limiter.AllowRequest(r) {
		writeRateLimitExceeded(w)
		return
	}
	host := requestHost(r)
	if host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	session, err := g.waker.Wake(r.Context(), host, wake.Options{})
	if err != nil {
		status := gatewayStatus(err)
		if status != http.StatusNotFound {
			g.logger.Printf("wake gateway: host=%s status=%d: %v", host, status, err)
		}
		writeJSON(w, status, V1WakeResponse{
			Session: session,
			Error:   err.Error(),
			Code:    daemonErrorCodeForError(status, err),
		})
		return
	}
	writeJSON(w, http.StatusOK, V1WakeResponse{Session: session})
}

// gatewayStatus collapses wake failures onto the statuses a reverse proxy
// understands: 404 unknown host, 504 timeout, 502 otherwise.
func gatewayStatus(err error) int {
	switch {
	case models.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, models.ErrWakeTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// requestHost prefers X-Forwarded-Host so the gateway works behind the proxy.
func requestHost(r *http.Request) string {
	host := strings.TrimSpace(r.Header.Get("X-Forwarded-Host"))
	if idx := strings.IndexByte(host, ','); idx >= 0 {
		host = strings.TrimSpace(host[:idx])
	}
	if host == "" {
		host = strings.TrimSpace(r.Host)
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

package daemon

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/berth-dev/berth/internal/clock"
)

const defaultRateLimitTTL = 10 * time.Minute

// WakeRateLimiter holds one token bucket per client address in front of the
// wake gateway. Requests relayed by a loopback reverse proxy are charged to
// the client named in X-Forwarded-For. A nil limiter allows everything.
type WakeRateLimiter struct {
	mu          sync.Mutex
	qps         float64
	burst       float64
	ttl         time.Duration
	clock       clock.Clock
	lastCleanup time.Time
	buckets     map[netip.Addr]*wakeBucket
}

type wakeBucket struct {
	tokens   float64
	refilled time.Time
	seen     time.Time
}

// NewWakeRateLimiter returns nil, meaning unlimited, when qps or burst is not positive.
func NewWakeRateLimiter(qps float64, burst int) *WakeRateLimiter {
	if qps <= 0 || burst <= 0 {
		return nil
	}
	return &WakeRateLimiter{
		qps:     qps,
		burst:   float64(burst),
		ttl:     defaultRateLimitTTL,
		clock:   clock.Real{},
		buckets: make(map[netip.Addr]*wakeBucket),
	}
}

func (l *WakeRateLimiter) WithClock(c clock.Clock) *WakeRateLimiter {
	if l == nil || c == nil {
		return l
	}
	l.clock = c
	return l
}

// AllowRequest charges r to its client. Requests whose client cannot be
// determined are refused.
func (l *WakeRateLimiter) AllowRequest(r *http.Request) bool {
	if l == nil {
		return true
	}
	addr, ok := clientAddr(r)
	if !ok {
		return false
	}
	return l.allow(addr)
}

func (l *WakeRateLimiter) allow(addr netip.Addr) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupLocked(now)

	bucket := l.buckets[addr]
	if bucket == nil {
		bucket = &wakeBucket{tokens: l.burst, refilled: now}
		l.buckets[addr] = bucket
	}
	bucket.seen = now

	if elapsed := now.Sub(bucket.refilled); elapsed > 0 {
		bucket.tokens = min(l.burst, bucket.tokens+elapsed.Seconds()*l.qps)
		bucket.refilled = now
	}
	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

func (l *WakeRateLimiter) cleanupLocked(now time.Time) {
	if !l.lastCleanup.IsZero() && now.Sub(l.lastCleanup) < l.ttl {
		return
	}
	for addr, bucket := range l.buckets {
		if now.Sub(bucket.seen) > l.ttl {
			delete(l.buckets, addr)
		}
	}
	l.lastCleanup = now
}

// clientAddr resolves the address a request is charged to. The peer address
// is used unless it is loopback, in which case the last X-Forwarded-For entry
// names the client. The proxy appends the peer it saw, so earlier entries are
// client-supplied and ignored.
func clientAddr(r *http.Request) (netip.Addr, bool) {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return netip.Addr{}, false
	}
	if peer.IsLoopback() {
		if fwd, ok := lastForwardedFor(r.Header.Values("X-Forwarded-For")); ok {
			peer = fwd
		}
	}
	if peer.IsUnspecified() {
		return netip.Addr{}, false
	}
	return peer, true
}

func lastForwardedFor(values []string) (netip.Addr, bool) {
	if len(values) == 0 {
		return netip.Addr{}, false
	}
	last := values[len(values)-1]
	if idx := strings.LastIndexByte(last, ','); idx >= 0 {
		last = last[idx+1:]
	}
	return parseAddr(last)
}

// parseAddr accepts a bare address or host:port, dropping any IPv6 zone and
// unmapping IPv4-in-IPv6 so both spellings share a bucket.
func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

func writeRateLimitExceeded(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

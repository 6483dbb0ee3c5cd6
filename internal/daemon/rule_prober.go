package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/berth-dev/berth/internal/buildinfo"
	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/proxy"
)

const defaultRuleProbeTimeout = 5 * time.Second

// RuleStatusStore is the slice of the proxy compiler the prober needs.
type RuleStatusStore interface {
	Rules() []models.ProxyRule
	SetStatus(ctx context.Context, id string, status models.RuleStatus, message string) (models.ProxyRule, bool, error)
}

// ProbeFunc checks one target address. A nil error means healthy.
type ProbeFunc func(ctx context.Context, scheme, addr string, timeout time.Duration) error

// RuleProber periodically probes the targets of rules that opted into health
// checks and records active or inactive on each. The artifact is unaffected.
type RuleProber struct {
	rules    RuleStatusStore
	probe    ProbeFunc
	metrics  *Metrics
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
}

func NewRuleProber(rules RuleStatusStore, interval time.Duration, metrics *Metrics, logger *log.Logger) *RuleProber {
	if logger == nil {
		logger = log.Default()
	}
	timeout := defaultRuleProbeTimeout
	if interval > 0 && interval < timeout {
		timeout = interval
	}
	return &RuleProber{
		rules:    rules,
		probe:    httpProbe,
		metrics:  metrics,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

func (p *RuleProber) WithProbe(probe ProbeFunc) *RuleProber {
	if p == nil || probe == nil {
		return p
	}
	p.probe = probe
	return p
}

// Start runs CheckAll on the interval until ctx is canceled.
func (p *RuleProber) Start(ctx context.Context) {
	if p == nil || p.rules == nil || p.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		p.CheckAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.CheckAll(ctx)
			}
		}
	}()
}

// CheckAll probes every health-checked rule once. Rules that failed
// compilation are left alone.
func (p *RuleProber) CheckAll(ctx context.Context) {
	for _, rule := range p.rules.Rules() {
		if !rule.HealthCheck || rule.Status == models.RuleError {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		p.check(ctx, rule)
	}
}

func (p *RuleProber) check(ctx context.Context, rule models.ProxyRule) {
	status, message := models.RuleActive, ""
	scheme, addr, err := proxy.TargetAddr(rule.Target)
	if err == nil {
		probeCtx, cancel := withOptionalTimeout(ctx, p.timeout)
		err = p.probe(probeCtx, scheme, addr, p.timeout)
		cancel()
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		status, message = models.RuleInactive, err.Error()
	}
	p.metrics.IncRuleCheck(status)
	updated, changed, err := p.rules.SetStatus(ctx, rule.ID, status, message)
	if err != nil {
		p.logger.Printf("proxy: health check rule=%s: %v", rule.ID, err)
		return
	}
	if changed {
		p.logger.Printf("proxy: health check rule=%s host=%s status=%s %s", updated.ID, updated.Host(), updated.Status, updated.StatusMessage)
	}
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// httpProbe issues GET / against addr. Upstream certificates are usually
// issued for the public host, not the target address, so they are not verified.
func httpProbe(ctx context.Context, scheme, addr string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	if scheme == "https" {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s://%s/", scheme, addr), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("upstream returned %s", resp.Status)
	}
	return nil
}

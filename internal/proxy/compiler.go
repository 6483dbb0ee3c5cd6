package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/berth-dev/berth/internal/events"
	"github.com/berth-dev/berth/internal/models"
)

// Store persists rules. A nil Store keeps rules in memory only.
type Store interface {
	UpsertProxyRule(ctx context.Context, rule models.ProxyRule) error
	DeleteProxyRule(ctx context.Context, id string) error
}

// Publisher receives domain events.
type Publisher interface {
	Publish(ev events.Event) events.Event
}

// CompileRecorder observes regenerations (metrics).
type CompileRecorder interface {
	RecordProxyCompile(rules, skipped int, sinkErr error)
}

// Compiler owns the rule set. Every mutation runs one critical section:
// validate, build the candidate set, compile, persist, commit, write the
// artifact to the sink, publish.
type Compiler struct {
	sink     Sink
	store    Store
	bus      Publisher
	opts     Options
	recorder CompileRecorder
	now      func() time.Time
	logger   *log.Logger

	mu       sync.Mutex
	rules    map[string]models.ProxyRule
	artifact Artifact
}

// NewCompiler builds a Compiler whose initial artifact is the empty rule set.
func NewCompiler(sink Sink, store Store, bus Publisher, logger *log.Logger) *Compiler {
	if sink == nil {
		sink = DiscardSink{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Compiler{
		sink:     sink,
		store:    store,
		bus:      bus,
		now:      time.Now,
		logger:   logger,
		rules:    make(map[string]models.ProxyRule),
		artifact: Compile(nil),
	}
}

func (c *Compiler) WithOptions(opts Options) *Compiler {
	if c == nil {
		return c
	}
	c.opts = opts
	c.artifact = CompileWithOptions(nil, opts)
	return c
}

func (c *Compiler) WithClock(now func() time.Time) *Compiler {
	if c == nil || now == nil {
		return c
	}
	c.now = now
	return c
}

func (c *Compiler) WithRecorder(r CompileRecorder) *Compiler {
	if c == nil {
		return c
	}
	c.recorder = r
	return c
}

// Upsert creates or replaces a rule. A (subdomain, domain) pair already used by
// another rule is rejected with ErrDuplicateRule and nothing changes.
func (c *Compiler) Upsert(ctx context.Context, input models.ProxyRuleInput) (models.ProxyRule, error) {
	input.ID = strings.TrimSpace(input.ID)
	input.Subdomain = strings.TrimSpace(input.Subdomain)
	input.Domain = strings.TrimSpace(input.Domain)
	input.Target = strings.TrimSpace(input.Target)
	input.WorkloadRef = strings.TrimSpace(input.WorkloadRef)
	switch {
	case input.Subdomain == "":
		return models.ProxyRule{}, fmt.Errorf("%w: subdomain is required", models.ErrValidation)
	case input.Domain == "":
		return models.ProxyRule{}, fmt.Errorf("%w: domain is required", models.ErrValidation)
	case input.Target == "":
		return models.ProxyRule{}, fmt.Errorf("%w: target is required", models.ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	change := events.ChangeCreated
	rule := models.ProxyRule{
		ID:            input.ID,
		Subdomain:     input.Subdomain,
		Domain:        input.Domain,
		Target:        input.Target,
		WorkloadRef:   input.WorkloadRef,
		TLS:           input.TLS,
		HealthCheck:   input.HealthCheck,
		AutoGenerated: input.AutoGenerated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := validateRefs(rule); err != nil {
		return models.ProxyRule{}, err
	}
	if existing, ok := c.rules[rule.ID]; ok {
		if existing.AutoGenerated && !input.AutoGenerated {
			return models.ProxyRule{}, fmt.Errorf("%w: %s", models.ErrAutoGeneratedRule, rule.ID)
		}
		change = events.ChangeUpdated
		rule.CreatedAt = existing.CreatedAt
		if existing.Target == rule.Target {
			rule.Status = existing.Status
			rule.StatusMessage = existing.StatusMessage
			rule.LastCheck = existing.LastCheck
		}
	}
	key := rule.Key()
	for id, other := range c.rules {
		if id != rule.ID && other.Key() == key {
			return models.ProxyRule{}, fmt.Errorf("%w: %s is already routed by rule %s", models.ErrDuplicateRule, rule.Host(), id)
		}
	}

	candidate := c.candidateLocked()
	candidate[rule.ID] = rule
	artifact := CompileWithOptions(values(candidate), c.opts)
	rule = applyCompileStatus(rule, artifact)

	if c.store != nil {
		if err := c.store.UpsertProxyRule(ctx, rule); err != nil {
			return models.ProxyRule{}, fmt.Errorf("persist rule %s: %w", rule.ID, err)
		}
	}
	candidate[rule.ID] = rule
	c.commitLocked(ctx, candidate, artifact)
	c.logger.Printf("proxy: %s rule=%s host=%s target=%s status=%s", change, rule.ID, rule.Host(), rule.Target, rule.Status)
	c.publish(events.RuleChanged(rule, change))
	c.publishArtifact(artifact)
	return rule, nil
}

// Remove deletes an operator rule. Auto-generated rules are refused; they are
// removed with their workload through RemoveOwned.
func (c *Compiler) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule, ok := c.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	if rule.AutoGenerated {
		return fmt.Errorf("%w: %s", models.ErrAutoGeneratedRule, id)
	}
	return c.removeLocked(ctx, []models.ProxyRule{rule})
}

// RemoveOwned deletes the auto-generated rules referencing workloadRef and
// returns their ids.
func (c *Compiler) RemoveOwned(ctx context.Context, workloadRef string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var owned []models.ProxyRule
	for _, rule := range c.rules {
		if rule.AutoGenerated && rule.WorkloadRef == workloadRef {
			owned = append(owned, rule)
		}
	}
	if len(owned) == 0 {
		return nil, nil
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].ID < owned[j].ID })
	if err := c.removeLocked(ctx, owned); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(owned))
	for _, rule := range owned {
		ids = append(ids, rule.ID)
	}
	return ids, nil
}

func (c *Compiler) removeLocked(ctx context.Context, doomed []models.ProxyRule) error {
	candidate := c.candidateLocked()
	for _, rule := range doomed {
		delete(candidate, rule.ID)
	}
	artifact := CompileWithOptions(values(candidate), c.opts)
	if c.store != nil {
		for _, rule := range doomed {
			if err := c.store.DeleteProxyRule(ctx, rule.ID); err != nil {
				return fmt.Errorf("delete rule %s: %w", rule.ID, err)
			}
		}
	}
	c.commitLocked(ctx, candidate, artifact)
	for _, rule := range doomed {
		c.logger.Printf("proxy: deleted rule=%s host=%s", rule.ID, rule.Host())
		c.publish(events.RuleChanged(rule, events.ChangeDeleted))
	}
	c.publishArtifact(artifact)
	return nil
}

// Restore loads persisted rules and regenerates the artifact once.
func (c *Compiler) Restore(ctx context.Context, rules []models.ProxyRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := c.candidateLocked()
	seen := make(map[string]string, len(rules))
	for _, rule := range candidate {
		seen[rule.Key()] = rule.ID
	}
	for _, rule := range rules {
		if err := validateRefs(rule); err != nil {
			c.logger.Printf("proxy: restore skipped rule %q: %v", rule.ID, err)
			continue
		}
		if owner, ok := seen[rule.Key()]; ok && owner != rule.ID {
			c.logger.Printf("proxy: restore skipped rule=%s: host %s already routed by %s", rule.ID, rule.Host(), owner)
			continue
		}
		seen[rule.Key()] = rule.ID
		candidate[rule.ID] = rule
	}
	artifact := CompileWithOptions(values(candidate), c.opts)
	for id, rule := range candidate {
		candidate[id] = applyCompileStatus(rule, artifact)
	}
	c.commitLocked(ctx, candidate, artifact)
	c.logger.Printf("proxy: restored %d rule(s), %d skipped", artifact.Rules, artifact.Skipped())
	c.publishArtifact(artifact)
	return nil
}

// SetStatus records a health-check result. Rules that failed compilation keep
// their error status. The artifact is not regenerated.
func (c *Compiler) SetStatus(ctx context.Context, id string, status models.RuleStatus, message string) (models.ProxyRule, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule, ok := c.rules[id]
	if !ok {
		return models.ProxyRule{}, false, fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	if rule.Status == models.RuleError {
		return rule, false, nil
	}
	checked := c.now().UTC()
	changed := rule.Status != status || rule.StatusMessage != message
	rule.Status = status
	rule.StatusMessage = message
	rule.LastCheck = &checked
	if c.store != nil {
		if err := c.store.UpsertProxyRule(ctx, rule); err != nil {
			return models.ProxyRule{}, false, fmt.Errorf("persist rule %s: %w", rule.ID, err)
		}
	}
	c.rules[id] = rule
	if changed {
		c.publish(events.RuleChanged(rule, events.ChangeStatus))
	}
	return rule, changed, nil
}

// Get returns a rule snapshot.
func (c *Compiler) Get(id string) (models.ProxyRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule, ok := c.rules[id]
	if !ok {
		return models.ProxyRule{}, fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	return rule, nil
}

// Rules returns all rules ordered by id.
func (c *Compiler) Rules() []models.ProxyRule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return values(c.rules)
}

// Artifact returns the artifact of the last committed mutation.
func (c *Compiler) Artifact() Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifact
}

// Lookup finds the rule routing host (a port suffix is ignored).
func (c *Compiler) Lookup(host string) (models.ProxyRule, bool) {
	host = NormalizeHost(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rule := range c.rules {
		if rule.Host() == host {
			return rule, true
		}
	}
	return models.ProxyRule{}, false
}

// NormalizeHost lowercases host, strips a port and any trailing dot.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Trim(strings.ToLower(host), ".")
}

func (c *Compiler) candidateLocked() map[string]models.ProxyRule {
	out := make(map[string]models.ProxyRule, len(c.rules)+1)
	for id, rule := range c.rules {
		out[id] = rule
	}
	return out
}

func (c *Compiler) commitLocked(ctx context.Context, rules map[string]models.ProxyRule, artifact Artifact) {
	c.rules = rules
	c.artifact = artifact
	err := c.sink.Write(ctx, artifact)
	if err != nil {
		c.logger.Printf("proxy: sink write failed: %v", err)
	}
	if c.recorder != nil {
		c.recorder.RecordProxyCompile(artifact.Rules, artifact.Skipped(), err)
	}
}

func (c *Compiler) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Compiler) publishArtifact(artifact Artifact) {
	c.publish(events.ConfigRegenerated(events.ConfigRegeneratedPayload{
		Rules:    artifact.Rules,
		Skipped:  artifact.Skipped(),
		Bytes:    len(artifact.Content),
		Checksum: artifact.Checksum,
	}))
}

func applyCompileStatus(rule models.ProxyRule, artifact Artifact) models.ProxyRule {
	if msg, failed := artifact.Errors[rule.ID]; failed {
		rule.Status = models.RuleError
		rule.StatusMessage = msg
		return rule
	}
	switch rule.Status {
	case models.RuleActive, models.RuleInactive:
		if rule.HealthCheck {
			return rule
		}
	}
	if rule.HealthCheck {
		rule.Status = models.RulePending
		rule.StatusMessage = "awaiting health check"
		return rule
	}
	rule.Status = models.RuleActive
	rule.StatusMessage = ""
	return rule
}

// validateRefs checks the rule id and workload reference, both of which are
// rendered into the artifact and used in API paths.
func validateRefs(rule models.ProxyRule) error {
	if err := models.ValidateID(rule.ID); err != nil {
		return fmt.Errorf("rule id: %w", err)
	}
	if rule.WorkloadRef != "" {
		if err := models.ValidateID(rule.WorkloadRef); err != nil {
			return fmt.Errorf("rule %s workload_ref: %w", rule.ID, err)
		}
	}
	return nil
}

func values(rules map[string]models.ProxyRule) []models.ProxyRule {
	out := make([]models.ProxyRule, 0, len(rules))
	for _, rule := range rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

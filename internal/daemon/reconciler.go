package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/runtime"
)

const autoRulePrefix = "auto-"

// AutoRuleStore is the slice of the proxy compiler the reconciler needs.
type AutoRuleStore interface {
	Rules() []models.ProxyRule
	Upsert(ctx context.Context, input models.ProxyRuleInput) (models.ProxyRule, error)
	RemoveOwned(ctx context.Context, workloadRef string) ([]string, error)
}

// WorkloadLister lists workloads.
type WorkloadLister interface {
	List(ctx context.Context) ([]runtime.WorkloadSummary, error)
}

// RuleReconciler derives auto-generated proxy rules from workload labels.
// A workload carrying berth.domain and berth.port gets one rule routing that
// domain to name:port. Auto rules of workloads that disappeared, or lost their
// labels, are removed. Operator rules always win a host collision.
type RuleReconciler struct {
	workloads WorkloadLister
	rules     AutoRuleStore
	interval  time.Duration
	logger    *log.Logger
}

func NewRuleReconciler(workloads WorkloadLister, rules AutoRuleStore, interval time.Duration, logger *log.Logger) *RuleReconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &RuleReconciler{workloads: workloads, rules: rules, interval: interval, logger: logger}
}

// Start reconciles immediately and then on the interval until ctx is canceled.
func (r *RuleReconciler) Start(ctx context.Context) {
	if r == nil || r.workloads == nil || r.rules == nil || r.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		r.logResult(r.Reconcile(ctx))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.logResult(r.Reconcile(ctx))
			}
		}
	}()
}

func (r *RuleReconciler) logResult(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Printf("reconcile: %v", err)
	}
}

// Reconcile runs one pass. Removals happen before upserts so a recreated
// workload can reclaim its host in the same pass.
func (r *RuleReconciler) Reconcile(ctx context.Context) error {
	workloads, err := r.workloads.List(ctx)
	if err != nil {
		return fmt.Errorf("list workloads: %w", err)
	}
	desired := make(map[string]models.ProxyRuleInput)
	for _, w := range workloads {
		input, ok, err := autoRuleFor(w)
		if err != nil {
			r.logger.Printf("reconcile: workload=%s: %v", w.Name, err)
			continue
		}
		if ok {
			desired[input.WorkloadRef] = input
		}
	}

	current := make(map[string]models.ProxyRule)
	operatorIDs := make(map[string]bool)
	for _, rule := range r.rules.Rules() {
		if !rule.AutoGenerated {
			operatorIDs[rule.ID] = true
			continue
		}
		if _, wanted := desired[rule.WorkloadRef]; !wanted {
			ids, err := r.rules.RemoveOwned(ctx, rule.WorkloadRef)
			if err != nil {
				return fmt.Errorf("remove rules of %s: %w", rule.WorkloadRef, err)
			}
			if len(ids) > 0 {
				r.logger.Printf("reconcile: removed %s for vanished workload %s", strings.Join(ids, ","), rule.WorkloadRef)
			}
			continue
		}
		current[rule.ID] = rule
	}

	refs := make([]string, 0, len(desired))
	for ref := range desired {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		input := desired[ref]
		if operatorIDs[input.ID] {
			r.logger.Printf("reconcile: workload=%s: rule id %s is owned by the operator", ref, input.ID)
			continue
		}
		if existing, ok := current[input.ID]; ok && sameAutoRule(existing, input) {
			continue
		}
		if _, err := r.rules.Upsert(ctx, input); err != nil {
			if models.IsValidation(err) {
				r.logger.Printf("reconcile: workload=%s skipped: %v", ref, err)
				continue
			}
			return fmt.Errorf("upsert rule for %s: %w", ref, err)
		}
	}
	return nil
}

// autoRuleFor builds the rule input for a labeled workload. ok is false when
// the workload does not ask for a rule.
func autoRuleFor(w runtime.WorkloadSummary) (models.ProxyRuleInput, bool, error) {
	domain := w.Domain()
	rawPort := strings.TrimSpace(w.Labels[runtime.LabelPort])
	if domain == "" || rawPort == "" {
		return models.ProxyRuleInput{}, false, nil
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return models.ProxyRuleInput{}, false, fmt.Errorf("invalid %s label %q", runtime.LabelPort, rawPort)
	}
	sub, parent, found := strings.Cut(strings.Trim(domain, "."), ".")
	if !found || sub == "" || parent == "" {
		return models.ProxyRuleInput{}, false, fmt.Errorf("%s label %q needs a subdomain and a domain", runtime.LabelDomain, domain)
	}
	return models.ProxyRuleInput{
		ID:            autoRulePrefix + w.Name,
		Subdomain:     sub,
		Domain:        parent,
		Target:        "http://" + w.Name + ":" + strconv.Itoa(port),
		WorkloadRef:   w.Name,
		AutoGenerated: true,
	}, true, nil
}

func sameAutoRule(rule models.ProxyRule, input models.ProxyRuleInput) bool {
	return rule.Subdomain == input.Subdomain &&
		rule.Domain == input.Domain &&
		rule.Target == input.Target &&
		rule.WorkloadRef == input.WorkloadRef
}

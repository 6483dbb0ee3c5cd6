// ABOUTME: Proxy rule persistence for the rule compiler.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/berth-dev/berth/internal/models"
)

const ruleColumns = `id, subdomain, domain, target, workload_ref, tls, health_check, auto_generated,
	status, status_message, last_check, created_at, updated_at`

// UpsertProxyRule inserts or replaces a rule row keyed by id. The normalized
// (subdomain, domain) key is unique; a collision with another id fails.
func (s *Store) UpsertProxyRule(ctx context.Context, rule models.ProxyRule) error {
	if s == nil || s.DB == nil {
		return errNilStore
	}
	rule.ID = strings.TrimSpace(rule.ID)
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO proxy_rules (rule_key, `+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_key = excluded.rule_key,
			subdomain = excluded.subdomain,
			domain = excluded.domain,
			target = excluded.target,
			workload_ref = excluded.workload_ref,
			tls = excluded.tls,
			health_check = excluded.health_check,
			auto_generated = excluded.auto_generated,
			status = excluded.status,
			status_message = excluded.status_message,
			last_check = excluded.last_check,
			updated_at = excluded.updated_at`,
		rule.Key(),
		rule.ID,
		rule.Subdomain,
		rule.Domain,
		rule.Target,
		nullIfEmpty(rule.WorkloadRef),
		boolToInt(rule.TLS),
		boolToInt(rule.HealthCheck),
		boolToInt(rule.AutoGenerated),
		string(rule.Status),
		nullIfEmpty(rule.StatusMessage),
		nullTime(rule.LastCheck),
		formatTime(rule.CreatedAt),
		formatTime(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert proxy rule %s: %w", rule.ID, err)
	}
	return nil
}

// GetProxyRule loads a rule by id. A missing row returns sql.ErrNoRows.
func (s *Store) GetProxyRule(ctx context.Context, id string) (models.ProxyRule, error) {
	if s == nil || s.DB == nil {
		return models.ProxyRule{}, errNilStore
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM proxy_rules WHERE id = ?`, strings.TrimSpace(id))
	return scanRuleRow(row)
}

// ListProxyRules returns all rules ordered by id.
func (s *Store) ListProxyRules(ctx context.Context) ([]models.ProxyRule, error) {
	if s == nil || s.DB == nil {
		return nil, errNilStore
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM proxy_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list proxy rules: %w", err)
	}
	defer rows.Close()
	var out []models.ProxyRule
	for rows.Next() {
		rule, err := scanRuleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxy rules: %w", err)
	}
	return out, nil
}

// DeleteProxyRule removes a rule. Deleting an absent id is not an error.
func (s *Store) DeleteProxyRule(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errNilStore
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM proxy_rules WHERE id = ?`, strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("delete proxy rule %s: %w", id, err)
	}
	return nil
}

func scanRuleRow(scanner rowScanner) (models.ProxyRule, error) {
	var rule models.ProxyRule
	var workloadRef, statusMessage, lastCheck sql.NullString
	var tls, healthCheck, autoGenerated int
	var status string
	var createdAt, updatedAt string
	if err := scanner.Scan(
		&rule.ID,
		&rule.Subdomain,
		&rule.Domain,
		&rule.Target,
		&workloadRef,
		&tls,
		&healthCheck,
		&autoGenerated,
		&status,
		&statusMessage,
		&lastCheck,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.ProxyRule{}, err
	}
	rule.WorkloadRef = workloadRef.String
	rule.TLS = tls != 0
	rule.HealthCheck = healthCheck != 0
	rule.AutoGenerated = autoGenerated != 0
	rule.Status = models.RuleStatus(status)
	rule.StatusMessage = statusMessage.String
	var err error
	if rule.LastCheck, err = parseNullTime(lastCheck); err != nil {
		return models.ProxyRule{}, fmt.Errorf("parse last_check: %w", err)
	}
	if rule.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.ProxyRule{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rule.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.ProxyRule{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rule, nil
}

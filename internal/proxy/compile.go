// Package proxy owns routing rules and renders them into a reverse-proxy
// configuration artifact (Caddyfile syntax).
package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/berth-dev/berth/internal/models"
)

const artifactHeader = "# Managed by berth. Manual edits are overwritten.\n"

// Options tune rendering.
type Options struct {
	// TLSIssuer is the argument of the tls directive for TLS rules
	// ("internal" when empty; an email address selects ACME).
	TLSIssuer string
}

// Artifact is a compiled reverse-proxy configuration.
type Artifact struct {
	Content  string            `json:"content"`
	Checksum string            `json:"checksum"`
	Rules    int               `json:"rules"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// Skipped returns the number of rules excluded from the artifact.
func (a Artifact) Skipped() int {
	return len(a.Errors)
}

// Compile renders rules with default options.
func Compile(rules []models.ProxyRule) Artifact {
	return CompileWithOptions(rules, Options{})
}

// CompileWithOptions renders rules ordered by id. Invalid rules are excluded and
// reported in Artifact.Errors keyed by rule id; compilation never fails.
// The output is a pure function of its inputs.
func CompileWithOptions(rules []models.ProxyRule, opts Options) Artifact {
	sorted := make([]models.ProxyRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	issuer := strings.TrimSpace(opts.TLSIssuer)
	if issuer == "" {
		issuer = "internal"
	}

	var b strings.Builder
	b.WriteString(artifactHeader)
	artifact := Artifact{}
	for _, rule := range sorted {
		target, err := validateRule(rule)
		if err != nil {
			if artifact.Errors == nil {
				artifact.Errors = make(map[string]string)
			}
			artifact.Errors[rule.ID] = err.Error()
			continue
		}
		b.WriteString("\n")
		writeSite(&b, rule, target, issuer)
		artifact.Rules++
	}
	artifact.Content = b.String()
	sum := sha256.Sum256([]byte(artifact.Content))
	artifact.Checksum = hex.EncodeToString(sum[:])
	return artifact
}

func writeSite(b *strings.Builder, rule models.ProxyRule, target, issuer string) {
	address := rule.Host()
	if !rule.TLS {
		address = "http://" + address
	}
	fmt.Fprintf(b, "%s {\n", address)
	fmt.Fprintf(b, "\t# rule %s", rule.ID)
	if rule.WorkloadRef != "" {
		fmt.Fprintf(b, " workload %s", rule.WorkloadRef)
	}
	b.WriteString("\n")
	if rule.HealthCheck {
		fmt.Fprintf(b, "\treverse_proxy %s {\n", target)
		b.WriteString("\t\thealth_uri /\n")
		b.WriteString("\t}\n")
	} else {
		fmt.Fprintf(b, "\treverse_proxy %s\n", target)
	}
	if rule.TLS {
		fmt.Fprintf(b, "\ttls %s\n", issuer)
	}
	b.WriteString("}\n")
}

// validateRule returns the normalized upstream for a renderable rule.
func validateRule(rule models.ProxyRule) (string, error) {
	if err := validateRefs(rule); err != nil {
		return "", err
	}
	if strings.TrimSpace(rule.Subdomain) == "" {
		return "", fmt.Errorf("subdomain is required")
	}
	if strings.TrimSpace(rule.Domain) == "" {
		return "", fmt.Errorf("domain is required")
	}
	if err := validateHost(rule.Host()); err != nil {
		return "", err
	}
	return ParseTarget(rule.Target)
}

func validateHost(host string) error {
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			return fmt.Errorf("invalid host %q: empty label", host)
		}
		if label == "*" {
			continue
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return fmt.Errorf("invalid host %q: unexpected character %q", host, r)
			}
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("invalid host %q: label %q starts or ends with a hyphen", host, label)
		}
	}
	return nil
}

// ParseTarget validates an upstream ("http://host:port", "https://host", or
// "host:port") and returns it in the form rendered into the artifact.
func ParseTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("target is required")
	}
	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = "http://" + raw
	}
	u, err := url.Parse(withScheme)
	if err != nil {
		return "", fmt.Errorf("invalid target %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid target %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid target %q: missing host", raw)
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("invalid target %q: bad port %q", raw, port)
		}
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("invalid target %q: paths are not supported", raw)
	}
	if !strings.Contains(raw, "://") {
		return u.Host, nil
	}
	return u.Scheme + "://" + u.Host, nil
}

// TargetAddr returns host:port for dialing the target, defaulting the port from the scheme.
func TargetAddr(raw string) (scheme, addr string, err error) {
	normalized, err := ParseTarget(raw)
	if err != nil {
		return "", "", err
	}
	withScheme := normalized
	if !strings.Contains(normalized, "://") {
		withScheme = "http://" + normalized
	}
	u, err := url.Parse(withScheme)
	if err != nil {
		return "", "", err
	}
	scheme = u.Scheme
	port := u.Port()
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	return scheme, net.JoinHostPort(u.Hostname(), port), nil
}

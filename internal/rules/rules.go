// Package rules classifies upstream error text against an operator-managed
// rule set and optionally rewrites the client-visible error body.
package rules

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// MatchType selects how a rule's pattern is applied.
type MatchType string

const (
	// MatchContains matches when the lower-cased error text contains the
	// pattern.
	MatchContains MatchType = "contains"
	// MatchExact matches the whole lower-cased, trimmed error text.
	MatchExact MatchType = "exact"
	// MatchRegex applies a compiled regular expression.
	MatchRegex MatchType = "regex"
)

// Rule is one operator-defined detection rule. Lower Priority values are
// evaluated first within a match type.
type Rule struct {
	ID       string    `json:"id"`
	Match    MatchType `json:"match"`
	Pattern  string    `json:"pattern"`
	Category string    `json:"category"`
	Priority int       `json:"priority"`

	// Enabled gates the rule. Documents that omit the field get an
	// enabled rule.
	Enabled *bool `json:"isEnabled,omitempty"`

	// Override replaces the upstream error body when the rule matches.
	// It must be an error-shaped JSON object; malformed overrides are
	// dropped at load time.
	Override           json.RawMessage `json:"override,omitempty"`
	OverrideStatusCode int             `json:"override_status_code,omitempty"`
}

// IsEnabled reports whether the rule participates in matching.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Repository supplies the current rule set.
type Repository interface {
	ListRules(ctx context.Context) ([]Rule, error)
}

// FileRepository reads rules from a JSON document of the form
// {"rules": [...]}.
type FileRepository struct {
	path string
}

// NewFileRepository creates a repository over the given path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

// ListRules implements Repository.
func (r *FileRepository) ListRules(ctx context.Context) ([]Rule, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var doc struct {
		Rules []Rule `json:"rules"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return doc.Rules, nil
}

// StaticRepository serves a fixed in-memory rule set.
type StaticRepository struct {
	rules []Rule
}

// NewStaticRepository creates a repository over fixed rules.
func NewStaticRepository(rules []Rule) *StaticRepository {
	return &StaticRepository{rules: rules}
}

// ListRules implements Repository.
func (r *StaticRepository) ListRules(ctx context.Context) ([]Rule, error) {
	return r.rules, nil
}

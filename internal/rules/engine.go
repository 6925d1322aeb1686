package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
)

// Result is the outcome of classifying one error text.
type Result struct {
	Matched   bool
	RuleID    string
	Category  string
	MatchType MatchType

	// Override, when non-nil, is the validated replacement body.
	Override           json.RawMessage
	OverrideStatusCode int
}

type compiledRule struct {
	rule    Rule
	pattern string         // lower-cased, for contains/exact
	re      *regexp.Regexp // regex rules only
}

// ruleSet holds the three match collections. It is immutable after build;
// reloads swap in a whole new set.
type ruleSet struct {
	contains []compiledRule
	exact    map[string]compiledRule
	regex    []compiledRule
}

// Engine evaluates error text against the loaded rule set. The first load
// is lazy and coalesced: concurrent callers share one in-flight load. A
// failed reload keeps the previous set.
type Engine struct {
	repo             Repository
	logger           *slog.Logger
	maxOverrideBytes int

	current atomic.Pointer[ruleSet]

	mu      sync.Mutex
	loading chan struct{}
}

// NewEngine creates an engine over repo. Rules are not loaded until the
// first Detect or an explicit Reload.
func NewEngine(repo Repository, maxOverrideBytes int, logger *slog.Logger) *Engine {
	if maxOverrideBytes <= 0 {
		maxOverrideBytes = 4096
	}
	return &Engine{
		repo:             repo,
		logger:           logger,
		maxOverrideBytes: maxOverrideBytes,
	}
}

// Detect classifies errorText. Matching runs contains, then exact, then
// regex; the first hit wins. Within each collection rules are already in
// priority order. An empty Result means no rule matched.
func (e *Engine) Detect(ctx context.Context, errorText string) Result {
	rs := e.current.Load()
	if rs == nil {
		var err error
		rs, err = e.ensureLoaded(ctx)
		if err != nil {
			e.logger.Warn("error rules unavailable, skipping detection", "error", err)
			return Result{}
		}
	}

	lowered := strings.ToLower(errorText)

	for _, cr := range rs.contains {
		if strings.Contains(lowered, cr.pattern) {
			return resultFor(cr, MatchContains)
		}
	}
	if cr, ok := rs.exact[strings.TrimSpace(lowered)]; ok {
		return resultFor(cr, MatchExact)
	}
	for _, cr := range rs.regex {
		if cr.re.MatchString(errorText) {
			return resultFor(cr, MatchRegex)
		}
	}
	return Result{}
}

func resultFor(cr compiledRule, mt MatchType) Result {
	return Result{
		Matched:            true,
		RuleID:             cr.rule.ID,
		Category:           cr.rule.Category,
		MatchType:          mt,
		Override:           cr.rule.Override,
		OverrideStatusCode: cr.rule.OverrideStatusCode,
	}
}

// Reload rebuilds the rule set from the repository and swaps it in. On
// error the currently installed set stays live.
func (e *Engine) Reload(ctx context.Context) error {
	rs, err := e.build(ctx)
	if err != nil {
		e.logger.Error("rule reload failed, keeping current set", "error", err)
		return err
	}
	e.current.Store(rs)
	e.logger.Info("error rules loaded",
		"contains", len(rs.contains),
		"exact", len(rs.exact),
		"regex", len(rs.regex),
	)
	return nil
}

// Watch reloads whenever updates fires, until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, updates <-chan struct{}) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-updates:
				if !ok {
					return
				}
				_ = e.Reload(ctx)
			}
		}
	}()
}

// ensureLoaded performs the lazy first load, coalescing concurrent callers
// onto a single repository read.
func (e *Engine) ensureLoaded(ctx context.Context) (*ruleSet, error) {
	e.mu.Lock()
	if rs := e.current.Load(); rs != nil {
		e.mu.Unlock()
		return rs, nil
	}
	if e.loading == nil {
		done := make(chan struct{})
		e.loading = done
		e.mu.Unlock()

		rs, err := e.build(ctx)
		e.mu.Lock()
		if err == nil {
			e.current.Store(rs)
		}
		e.loading = nil
		e.mu.Unlock()
		close(done)
		return rs, err
	}

	done := e.loading
	e.mu.Unlock()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if rs := e.current.Load(); rs != nil {
		return rs, nil
	}
	return nil, errors.New("rules: initial load failed")
}

// build fetches rules, validates them and assembles the immutable set.
// Disabled rules are left out; individual bad rules are skipped with a
// warning. Only a repository failure aborts the build.
func (e *Engine) build(ctx context.Context) (*ruleSet, error) {
	raw, err := e.repo.ListRules(ctx)
	if err != nil {
		return nil, err
	}

	rules := make([]Rule, len(raw))
	copy(rules, raw)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	rs := &ruleSet{exact: make(map[string]compiledRule)}
	for _, r := range rules {
		if !r.IsEnabled() {
			continue
		}
		if r.Pattern == "" {
			e.logger.Warn("skipping rule with empty pattern", "rule_id", r.ID)
			continue
		}
		if len(r.Override) > 0 {
			if err := validateOverride(r.Override, e.maxOverrideBytes); err != nil {
				e.logger.Warn("dropping malformed override",
					"rule_id", r.ID,
					"error", err,
				)
				r.Override = nil
				r.OverrideStatusCode = 0
			}
		}

		switch r.Match {
		case MatchContains:
			rs.contains = append(rs.contains, compiledRule{
				rule:    r,
				pattern: strings.ToLower(r.Pattern),
			})
		case MatchExact:
			key := strings.TrimSpace(strings.ToLower(r.Pattern))
			if _, dup := rs.exact[key]; !dup {
				rs.exact[key] = compiledRule{rule: r, pattern: key}
			}
		case MatchRegex:
			if hasNestedQuantifier(r.Pattern) {
				e.logger.Warn("skipping regex rule with nested quantifier",
					"rule_id", r.ID,
					"pattern", r.Pattern,
				)
				continue
			}
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				e.logger.Warn("skipping unparseable regex rule",
					"rule_id", r.ID,
					"error", err,
				)
				continue
			}
			rs.regex = append(rs.regex, compiledRule{rule: r, re: re})
		default:
			e.logger.Warn("skipping rule with unknown match type",
				"rule_id", r.ID,
				"match", string(r.Match),
			)
		}
	}
	return rs, nil
}

// validateOverride enforces the override schema: a JSON object with
// type == "error" and string error.type / error.message fields, bounded in
// size.
func validateOverride(raw json.RawMessage, maxBytes int) error {
	if len(raw) > maxBytes {
		return fmt.Errorf("override exceeds %d bytes", maxBytes)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("override is not a JSON object: %w", err)
	}

	var typ string
	if err := json.Unmarshal(doc["type"], &typ); err != nil || typ != "error" {
		return errors.New(`override "type" must be the string "error"`)
	}

	var inner map[string]json.RawMessage
	if err := json.Unmarshal(doc["error"], &inner); err != nil {
		return errors.New(`override "error" must be an object`)
	}
	var s string
	if err := json.Unmarshal(inner["type"], &s); err != nil {
		return errors.New(`override "error.type" must be a string`)
	}
	if err := json.Unmarshal(inner["message"], &s); err != nil {
		return errors.New(`override "error.message" must be a string`)
	}
	return nil
}

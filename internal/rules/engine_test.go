package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(rules []Rule) *Engine {
	return NewEngine(NewStaticRepository(rules), 0, testLogger())
}

func TestDetectMatchOrder(t *testing.T) {
	override := json.RawMessage(`{"type":"error","error":{"type":"overloaded_error","message":"try again"}}`)
	e := newTestEngine([]Rule{
		{ID: "r-regex", Match: MatchRegex, Pattern: `quota .* exhausted`, Category: "quota"},
		{ID: "r-exact", Match: MatchExact, Pattern: "Overloaded", Category: "overload", Override: override, OverrideStatusCode: 529},
		{ID: "r-contains", Match: MatchContains, Pattern: "OVERLOADED", Category: "overload-contains"},
	})
	ctx := context.Background()

	// Contains wins over exact even though both patterns match.
	got := e.Detect(ctx, "overloaded")
	require.True(t, got.Matched)
	assert.Equal(t, "r-contains", got.RuleID)
	assert.Equal(t, MatchContains, got.MatchType)

	// Regex only fires when the cheaper tiers miss.
	got = e.Detect(ctx, "daily quota has been exhausted")
	require.True(t, got.Matched)
	assert.Equal(t, "r-regex", got.RuleID)
	assert.Equal(t, MatchRegex, got.MatchType)

	got = e.Detect(ctx, "everything is fine")
	assert.False(t, got.Matched)
}

func TestDetectExactTrimsAndLowercases(t *testing.T) {
	e := newTestEngine([]Rule{
		{ID: "r1", Match: MatchExact, Pattern: "Internal Server Error", Category: "server"},
	})

	got := e.Detect(context.Background(), "  INTERNAL SERVER ERROR \n")
	require.True(t, got.Matched)
	assert.Equal(t, "r1", got.RuleID)
}

func TestDetectPriorityOrderWithinTier(t *testing.T) {
	e := newTestEngine([]Rule{
		{ID: "low", Match: MatchContains, Pattern: "limit", Category: "generic", Priority: 10},
		{ID: "high", Match: MatchContains, Pattern: "rate limit", Category: "rate", Priority: 1},
	})

	got := e.Detect(context.Background(), "rate limit reached")
	require.True(t, got.Matched)
	assert.Equal(t, "high", got.RuleID)
	assert.Equal(t, "rate", got.Category)
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	off := false
	e := newTestEngine([]Rule{
		{ID: "r-off", Match: MatchContains, Pattern: "overloaded", Category: "overload", Enabled: &off},
		{ID: "r-on", Match: MatchContains, Pattern: "quota", Category: "quota"},
	})
	ctx := context.Background()

	got := e.Detect(ctx, "upstream is Overloaded right now")
	assert.False(t, got.Matched)

	got = e.Detect(ctx, "quota exceeded")
	require.True(t, got.Matched)
	assert.Equal(t, "r-on", got.RuleID)
}

func TestBuildSkipsDangerousRegex(t *testing.T) {
	e := newTestEngine([]Rule{
		{ID: "bad", Match: MatchRegex, Pattern: `(a+)+`, Category: "never"},
		{ID: "broken", Match: MatchRegex, Pattern: `([unclosed`, Category: "never"},
		{ID: "good", Match: MatchRegex, Pattern: `timeout after \d+ms`, Category: "timeout"},
	})
	ctx := context.Background()
	require.NoError(t, e.Reload(ctx))

	got := e.Detect(ctx, "aaaaaaaa")
	assert.False(t, got.Matched)

	got = e.Detect(ctx, "timeout after 3000ms")
	require.True(t, got.Matched)
	assert.Equal(t, "good", got.RuleID)
}

func TestOverrideValidation(t *testing.T) {
	tests := []struct {
		name     string
		override string
		wantKept bool
	}{
		{
			name:     "valid",
			override: `{"type":"error","error":{"type":"api_error","message":"upstream failed"}}`,
			wantKept: true,
		},
		{
			name:     "type not error",
			override: `{"type":"message","error":{"type":"a","message":"b"}}`,
			wantKept: false,
		},
		{
			name:     "missing error object",
			override: `{"type":"error"}`,
			wantKept: false,
		},
		{
			name:     "non-string message",
			override: `{"type":"error","error":{"type":"a","message":42}}`,
			wantKept: false,
		},
		{
			name:     "not an object",
			override: `["type","error"]`,
			wantKept: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine([]Rule{{
				ID:                 "r1",
				Match:              MatchContains,
				Pattern:            "boom",
				Category:           "c",
				Override:           json.RawMessage(tt.override),
				OverrideStatusCode: 503,
			}})

			got := e.Detect(context.Background(), "boom happened")
			require.True(t, got.Matched, "rule itself must still match")
			if tt.wantKept {
				assert.JSONEq(t, tt.override, string(got.Override))
				assert.Equal(t, 503, got.OverrideStatusCode)
			} else {
				assert.Nil(t, got.Override)
				assert.Zero(t, got.OverrideStatusCode)
			}
		})
	}
}

func TestOverrideSizeCap(t *testing.T) {
	huge := `{"type":"error","error":{"type":"a","message":"` +
		strings.Repeat("a", 5000) + `"}}`
	err := validateOverride(json.RawMessage(huge), 4096)
	assert.Error(t, err)
}

// countingRepo counts loads and can be switched to fail.
type countingRepo struct {
	mu    sync.Mutex
	rules []Rule
	loads atomic.Int64
	fail  bool
}

func (r *countingRepo) ListRules(ctx context.Context) ([]Rule, error) {
	r.loads.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errors.New("repository down")
	}
	return r.rules, nil
}

func (r *countingRepo) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func TestLazyLoadIsCoalesced(t *testing.T) {
	repo := &countingRepo{rules: []Rule{
		{ID: "r1", Match: MatchContains, Pattern: "oops", Category: "c"},
	}}
	e := NewEngine(repo, 0, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := e.Detect(ctx, "oops")
			assert.True(t, got.Matched)
		}()
	}
	wg.Wait()

	// Every caller shares the one in-flight load; later Detects hit the
	// installed set without reloading.
	assert.LessOrEqual(t, repo.loads.Load(), int64(2))
	before := repo.loads.Load()
	e.Detect(ctx, "oops")
	assert.Equal(t, before, repo.loads.Load())
}

func TestFailedReloadKeepsCurrentSet(t *testing.T) {
	repo := &countingRepo{rules: []Rule{
		{ID: "r1", Match: MatchContains, Pattern: "oops", Category: "c"},
	}}
	e := NewEngine(repo, 0, testLogger())
	ctx := context.Background()

	require.NoError(t, e.Reload(ctx))
	require.True(t, e.Detect(ctx, "oops").Matched)

	repo.setFail(true)
	assert.Error(t, e.Reload(ctx))
	assert.True(t, e.Detect(ctx, "oops").Matched)
}

func TestReloadSwapsRuleSet(t *testing.T) {
	repo := &countingRepo{rules: []Rule{
		{ID: "old", Match: MatchContains, Pattern: "old", Category: "c"},
	}}
	e := NewEngine(repo, 0, testLogger())
	ctx := context.Background()
	require.NoError(t, e.Reload(ctx))

	repo.mu.Lock()
	repo.rules = []Rule{{ID: "new", Match: MatchContains, Pattern: "new", Category: "c"}}
	repo.mu.Unlock()
	require.NoError(t, e.Reload(ctx))

	assert.False(t, e.Detect(ctx, "old").Matched)
	assert.True(t, e.Detect(ctx, "new").Matched)
}

func TestReloadUnchangedSetKeepsResults(t *testing.T) {
	repo := &countingRepo{rules: []Rule{
		{ID: "r-contains", Match: MatchContains, Pattern: "overloaded", Category: "overload"},
		{ID: "r-exact", Match: MatchExact, Pattern: "billing hard stop", Category: "billing"},
		{ID: "r-regex", Match: MatchRegex, Pattern: `quota .* exhausted`, Category: "quota"},
	}}
	e := NewEngine(repo, 0, testLogger())
	ctx := context.Background()
	require.NoError(t, e.Reload(ctx))

	corpus := []string{
		"upstream Overloaded right now",
		"  BILLING HARD STOP \n",
		"daily quota has been exhausted",
		"everything is fine",
	}
	before := make([]Result, len(corpus))
	for i, text := range corpus {
		before[i] = e.Detect(ctx, text)
	}

	// Reloading the same repository must not change any classification.
	require.NoError(t, e.Reload(ctx))
	for i, text := range corpus {
		assert.Equal(t, before[i], e.Detect(ctx, text), "corpus entry %d", i)
	}
}

func TestFileRepository(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	doc := `{"rules":[
		{"id":"r1","match":"contains","pattern":"overloaded","category":"overload"},
		{"id":"r2","match":"regex","pattern":"quota.*exhausted","category":"quota"},
		{"id":"r3","match":"contains","pattern":"legacy","category":"legacy","isEnabled":false}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	rules, err := NewFileRepository(path).ListRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, MatchContains, rules[0].Match)
	assert.True(t, rules[0].IsEnabled())
	assert.False(t, rules[2].IsEnabled())

	_, err = NewFileRepository(filepath.Join(t.TempDir(), "missing.json")).
		ListRules(context.Background())
	assert.Error(t, err)
}

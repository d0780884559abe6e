package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connector "github.com/goliatone/go-connector"
)

func euOnly() Policy {
	return Policy{
		ID:     "policy-eu",
		Target: "asset-1",
		Permissions: []Rule{
			{Action: "use", Constraint: "claims.region == 'EU'"},
		},
		Prohibitions: []Rule{
			{Action: "use", Constraint: "contains(claims.flags, 'sanctioned')"},
		},
	}
}

func TestRuleEngineEvaluatesPolicy(t *testing.T) {
	engine, err := NewRuleEngine(nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name    string
		claims  map[string]any
		allowed bool
	}{
		{name: "permitted", claims: map[string]any{"region": "EU", "flags": []any{}}, allowed: true},
		{name: "wrong region", claims: map[string]any{"region": "US", "flags": []any{}}},
		{name: "prohibited", claims: map[string]any{"region": "EU", "flags": []any{"sanctioned"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Evaluate(ctx, euOnly(), ScopeNegotiation, Context{Agent: "consumer", Action: "use", Claims: tt.claims})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed, "reasons: %v", decision.Reasons)
			if !tt.allowed {
				assert.True(t, connector.IsPolicyDenied(decision.Err()))
			} else {
				assert.NoError(t, decision.Err())
			}
		})
	}
}

func TestRuleEngineEmptyPolicyAllows(t *testing.T) {
	engine, err := NewRuleEngine(nil, nil)
	require.NoError(t, err)
	decision, err := engine.Evaluate(context.Background(), Policy{ID: "open"}, ScopeTransfer, Context{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRuleEngineScopeRules(t *testing.T) {
	engine, err := NewRuleEngine([]ScopeRule{
		{Name: "trusted", Scope: ScopeTransfer, Action: ActionAllow, Expression: "agent == 'trusted'"},
		{Name: "audit", Action: ActionPass, Expression: "`true`"},
		{Name: "no-transfers", Scope: ScopeTransfer, Action: ActionDeny},
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	decision, err := engine.Evaluate(ctx, Policy{ID: "p"}, ScopeTransfer, Context{Agent: "trusted"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = engine.Evaluate(ctx, Policy{ID: "p"}, ScopeTransfer, Context{Agent: "stranger"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reasons[0], "no-transfers")

	decision, err = engine.Evaluate(ctx, Policy{ID: "p"}, ScopeNegotiation, Context{Agent: "stranger"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRuleEngineRejectsBadRules(t *testing.T) {
	_, err := NewRuleEngine([]ScopeRule{{Name: "x", Action: "maybe"}}, nil)
	require.Error(t, err)
	assert.True(t, connector.IsValidation(err))

	_, err = NewRuleEngine([]ScopeRule{{Name: "x", Action: ActionDeny, Expression: "claims.["}}, nil)
	require.Error(t, err)
	assert.True(t, connector.IsValidation(err))

	engine, err := NewRuleEngine(nil, nil)
	require.NoError(t, err)
	_, err = engine.Evaluate(context.Background(), Policy{Permissions: []Rule{{Constraint: "(("}}}, ScopeNegotiation, Context{})
	require.Error(t, err)
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	rules, err := LoadRules(filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)
	assert.Nil(t, rules)

	path := filepath.Join(dir, "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[rule]]
name = "eu-only"
scope = "contract.negotiation"
action = "deny"
expression = "claims.region != 'EU'"
description = "agreements only inside the EU"
`), 0o644))

	rules, err = LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, ScopeRule{
		Name:        "eu-only",
		Scope:       ScopeNegotiation,
		Action:      ActionDeny,
		Expression:  "claims.region != 'EU'",
		Description: "agreements only inside the EU",
	}, rules[0])

	require.NoError(t, os.WriteFile(path, []byte("[[rule]\nname = "), 0o644))
	_, err = LoadRules(path)
	require.Error(t, err)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	engine, err := NewRuleEngine(nil, nil)
	require.NoError(t, err)
	watcher := NewWatcher(path, engine, 20*time.Millisecond, nil)

	var mu sync.Mutex
	reloads := 0
	watcher.OnReload(func([]ScopeRule, error) {
		mu.Lock()
		defer mu.Unlock()
		reloads++
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, engine.Rules())

	require.NoError(t, os.WriteFile(path, []byte("[[rule]]\nname = \"deny-all\"\naction = \"deny\"\n"), 0o644))
	require.Eventually(t, func() bool { return len(engine.Rules()) == 1 }, 2*time.Second, 10*time.Millisecond)

	decision, err := engine.Evaluate(context.Background(), Policy{ID: "p"}, ScopeTransfer, Context{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	cancel()
	require.NoError(t, <-done)
}

func TestWatcherKeepsRulesOnBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[rule]]\nname = \"a\"\naction = \"allow\"\n"), 0o644))

	engine, err := NewRuleEngine(nil, nil)
	require.NoError(t, err)
	watcher := NewWatcher(path, engine, 0, nil)
	require.NoError(t, watcher.Reload())
	require.Len(t, engine.Rules(), 1)

	require.NoError(t, os.WriteFile(path, []byte("[[rule]]\nname = \"b\"\naction = \"explode\"\n"), 0o644))
	require.Error(t, watcher.Reload())
	assert.Equal(t, "a", engine.Rules()[0].Name)
}

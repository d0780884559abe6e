// Package policy evaluates usage policies attached to contract offers before a
// negotiation is agreed or a transfer is started.
//
// A Policy carries permissions and prohibitions whose constraints are JMESPath
// expressions evaluated against the request Context. Operators can add scope
// wide rules loaded from a TOML file; those run after the policy itself, in
// file order, the first allow or deny wins.
package policy

import (
	"context"
	"strings"
	"time"

	connector "github.com/goliatone/go-connector"
)

const (
	ScopeNegotiation = "contract.negotiation"
	ScopeTransfer    = "transfer.process"
)

// Rule is one permission or prohibition. An empty Constraint always matches.
type Rule struct {
	Action     string `json:"action" yaml:"action" toml:"action"`
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty" toml:"constraint,omitempty"`
}

// Policy is the usage policy of an offer or agreement.
type Policy struct {
	ID           string `json:"id" yaml:"id" toml:"id"`
	Target       string `json:"target,omitempty" yaml:"target,omitempty" toml:"target,omitempty"`
	Assigner     string `json:"assigner,omitempty" yaml:"assigner,omitempty" toml:"assigner,omitempty"`
	Assignee     string `json:"assignee,omitempty" yaml:"assignee,omitempty" toml:"assignee,omitempty"`
	Permissions  []Rule `json:"permissions,omitempty" yaml:"permissions,omitempty" toml:"permissions,omitempty"`
	Prohibitions []Rule `json:"prohibitions,omitempty" yaml:"prohibitions,omitempty" toml:"prohibitions,omitempty"`
}

// Context is what the constraints are evaluated against.
type Context struct {
	Agent  string
	Asset  string
	Action string
	Claims map[string]any
	Now    time.Time
}

// Document renders c as the JMESPath input.
func (c Context) Document(scope string) map[string]any {
	claims := c.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	return map[string]any{
		"scope":  scope,
		"agent":  c.Agent,
		"asset":  c.Asset,
		"action": c.Action,
		"claims": claims,
		"now":    c.Now.UTC().Format(time.RFC3339),
	}
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool
	Reasons []string
}

// Err returns a policy denied error for a negative decision.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	reason := "policy denied"
	if len(d.Reasons) > 0 {
		reason = strings.Join(d.Reasons, "; ")
	}
	return connector.NewError(connector.ErrPolicyDenied, reason, nil, map[string]any{"reasons": d.Reasons})
}

// Engine evaluates a policy in a scope.
type Engine interface {
	Evaluate(ctx context.Context, p Policy, scope string, pctx Context) (Decision, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, p Policy, scope string, pctx Context) (Decision, error)

func (f EngineFunc) Evaluate(ctx context.Context, p Policy, scope string, pctx Context) (Decision, error) {
	return f(ctx, p, scope, pctx)
}

// AllowAll permits everything.
var AllowAll Engine = EngineFunc(func(context.Context, Policy, string, Context) (Decision, error) {
	return Decision{Allowed: true}, nil
})

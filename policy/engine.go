package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmespath/go-jmespath"

	connector "github.com/goliatone/go-connector"
)

// Action is the effect of a scope rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionPass  Action = "pass"
)

// ScopeRule applies to every policy evaluated in Scope. An empty Scope
// matches all scopes.
type ScopeRule struct {
	Name        string `toml:"name" yaml:"name" json:"name"`
	Scope       string `toml:"scope,omitempty" yaml:"scope,omitempty" json:"scope,omitempty"`
	Action      Action `toml:"action" yaml:"action" json:"action"`
	Expression  string `toml:"expression,omitempty" yaml:"expression,omitempty" json:"expression,omitempty"`
	Description string `toml:"description,omitempty" yaml:"description,omitempty" json:"description,omitempty"`
}

func (r ScopeRule) validate() error {
	switch r.Action {
	case ActionAllow, ActionDeny, ActionPass:
	default:
		return connector.Validation(fmt.Sprintf("rule %q has unknown action %q", r.Name, r.Action), map[string]any{"rule": r.Name})
	}
	return nil
}

// RuleEngine evaluates policy constraints and scope rules with JMESPath.
type RuleEngine struct {
	mu    sync.RWMutex
	rules []ScopeRule

	compiled sync.Map // expression -> *jmespath.JMESPath
	logger   connector.Logger
}

// NewRuleEngine returns an engine with the given scope rules.
func NewRuleEngine(rules []ScopeRule, logger connector.Logger) (*RuleEngine, error) {
	e := &RuleEngine{logger: connector.NormalizeLogger(logger)}
	if err := e.SetRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// SetRules swaps the scope rules. Invalid sets are rejected as a whole.
func (e *RuleEngine) SetRules(rules []ScopeRule) error {
	for _, rule := range rules {
		if err := rule.validate(); err != nil {
			return err
		}
		if rule.Expression != "" {
			if _, err := e.compile(rule.Expression); err != nil {
				return err
			}
		}
	}
	next := append([]ScopeRule(nil), rules...)
	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()
	return nil
}

// Rules returns a copy of the active scope rules.
func (e *RuleEngine) Rules() []ScopeRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]ScopeRule(nil), e.rules...)
}

// Evaluate checks prohibitions, then permissions, then scope rules.
func (e *RuleEngine) Evaluate(ctx context.Context, p Policy, scope string, pctx Context) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	doc := pctx.Document(scope)

	for _, rule := range p.Prohibitions {
		if !actionApplies(rule.Action, pctx.Action) {
			continue
		}
		hit, err := e.match(rule.Constraint, doc)
		if err != nil {
			return Decision{}, err
		}
		if hit {
			return deny("policy %s prohibits %s", p.ID, rule.Action), nil
		}
	}

	if len(p.Permissions) > 0 {
		permitted := false
		for _, rule := range p.Permissions {
			if !actionApplies(rule.Action, pctx.Action) {
				continue
			}
			hit, err := e.match(rule.Constraint, doc)
			if err != nil {
				return Decision{}, err
			}
			if hit {
				permitted = true
				break
			}
		}
		if !permitted {
			return deny("policy %s grants no permission for %s", p.ID, pctx.Action), nil
		}
	}

	for _, rule := range e.Rules() {
		if rule.Scope != "" && rule.Scope != scope {
			continue
		}
		hit, err := e.match(rule.Expression, doc)
		if err != nil {
			return Decision{}, err
		}
		if !hit {
			continue
		}
		switch rule.Action {
		case ActionAllow:
			return Decision{Allowed: true}, nil
		case ActionDeny:
			e.logger.Debug("policy %s denied in %s by rule %s", p.ID, scope, rule.Name)
			return deny("rule %s denies %s", rule.Name, scope), nil
		}
	}
	return Decision{Allowed: true}, nil
}

func (e *RuleEngine) match(expression string, doc map[string]any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	compiled, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	result, err := compiled.Search(doc)
	if err != nil {
		return false, connector.NewError(connector.ErrValidation, fmt.Sprintf("evaluate %q", expression), err, nil)
	}
	return truthy(result), nil
}

func (e *RuleEngine) compile(expression string) (*jmespath.JMESPath, error) {
	if cached, ok := e.compiled.Load(expression); ok {
		return cached.(*jmespath.JMESPath), nil
	}
	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, connector.NewError(connector.ErrValidation, fmt.Sprintf("invalid constraint %q", expression), err, map[string]any{"expression": expression})
	}
	e.compiled.Store(expression, compiled)
	return compiled, nil
}

func actionApplies(ruleAction, requested string) bool {
	return ruleAction == "" || requested == "" || strings.EqualFold(ruleAction, requested)
}

// truthy follows JMESPath: false, null, empty strings and empty collections
// are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func deny(format string, args ...any) Decision {
	return Decision{Reasons: []string{fmt.Sprintf(format, args...)}}
}

package fsm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	connector "github.com/goliatone/go-connector"
)

// StateConfig declares one state of a process machine.
type StateConfig struct {
	Code     int    `json:"code" yaml:"code"`
	Name     string `json:"name" yaml:"name"`
	Initial  bool   `json:"initial,omitempty" yaml:"initial,omitempty"`
	Terminal bool   `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	// Abnormal marks the failure terminal. Ignored on non terminal states.
	Abnormal bool `json:"abnormal,omitempty" yaml:"abnormal,omitempty"`
}

// TransitionConfig is an edge between two named states.
type TransitionConfig struct {
	Name string `json:"name" yaml:"name"`
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// MachineConfig is the full definition of a process machine.
type MachineConfig struct {
	Entity      string             `json:"entity" yaml:"entity"`
	States      []StateConfig      `json:"states" yaml:"states"`
	Transitions []TransitionConfig `json:"transitions" yaml:"transitions"`
}

// Validate ensures the definition is a well formed process graph: one
// initial state, exactly one success and one abnormal terminal, no edges out
// of terminals and the abnormal terminal reachable from every other state.
func (c MachineConfig) Validate() error {
	if strings.TrimSpace(c.Entity) == "" {
		return fmt.Errorf("machine entity required")
	}
	if len(c.States) == 0 {
		return fmt.Errorf("machine %s requires at least one state", c.Entity)
	}
	byName := make(map[string]StateConfig, len(c.States))
	byCode := make(map[int]string, len(c.States))
	var initial, success, abnormal []string
	for _, st := range c.States {
		name := normalizeName(st.Name)
		if name == "" {
			return fmt.Errorf("machine %s has empty state name", c.Entity)
		}
		if _, exists := byName[name]; exists {
			return fmt.Errorf("machine %s duplicate state %s", c.Entity, st.Name)
		}
		if other, exists := byCode[st.Code]; exists {
			return fmt.Errorf("machine %s states %s and %s share code %d", c.Entity, other, st.Name, st.Code)
		}
		byName[name] = st
		byCode[st.Code] = st.Name
		if st.Initial {
			initial = append(initial, st.Name)
		}
		if st.Terminal {
			if st.Abnormal {
				abnormal = append(abnormal, st.Name)
			} else {
				success = append(success, st.Name)
			}
		}
	}
	if len(initial) != 1 {
		return fmt.Errorf("machine %s requires exactly one initial state, got %d", c.Entity, len(initial))
	}
	if len(success) != 1 {
		return fmt.Errorf("machine %s requires exactly one success terminal, got %d", c.Entity, len(success))
	}
	if len(abnormal) != 1 {
		return fmt.Errorf("machine %s requires exactly one abnormal terminal, got %d", c.Entity, len(abnormal))
	}

	edges := make(map[string][]string, len(c.States))
	seen := make(map[string]struct{}, len(c.Transitions))
	for _, tr := range c.Transitions {
		from, to := normalizeName(tr.From), normalizeName(tr.To)
		if from == "" || to == "" {
			return fmt.Errorf("machine %s transition %s missing from/to", c.Entity, tr.Name)
		}
		src, ok := byName[from]
		if !ok {
			return fmt.Errorf("machine %s transition %s references unknown from state %s", c.Entity, tr.Name, tr.From)
		}
		if _, ok := byName[to]; !ok {
			return fmt.Errorf("machine %s transition %s references unknown to state %s", c.Entity, tr.Name, tr.To)
		}
		if src.Terminal {
			return fmt.Errorf("machine %s terminal state %s cannot have outgoing transition %s", c.Entity, tr.From, tr.Name)
		}
		key := from + "::" + to
		if _, exists := seen[key]; exists {
			return fmt.Errorf("machine %s duplicate transition %s -> %s", c.Entity, tr.From, tr.To)
		}
		seen[key] = struct{}{}
		edges[from] = append(edges[from], to)
	}

	target := normalizeName(abnormal[0])
	for name, st := range byName {
		if st.Terminal {
			continue
		}
		if !reachable(edges, name, target) {
			return fmt.Errorf("machine %s abnormal terminal %s unreachable from %s", c.Entity, abnormal[0], st.Name)
		}
	}
	return nil
}

func reachable(edges map[string][]string, from, target string) bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range edges[current] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Machine is a validated, immutable process graph keyed by state code.
type Machine struct {
	entity   string
	states   map[int]StateConfig
	codes    map[string]int
	edges    map[int]map[int]struct{}
	initial  int
	success  int
	abnormal int
}

// New validates cfg and compiles it.
func New(cfg MachineConfig) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		entity: strings.TrimSpace(cfg.Entity),
		states: make(map[int]StateConfig, len(cfg.States)),
		codes:  make(map[string]int, len(cfg.States)),
		edges:  make(map[int]map[int]struct{}, len(cfg.States)),
	}
	for _, st := range cfg.States {
		m.states[st.Code] = st
		m.codes[normalizeName(st.Name)] = st.Code
		if st.Initial {
			m.initial = st.Code
		}
		if st.Terminal {
			if st.Abnormal {
				m.abnormal = st.Code
			} else {
				m.success = st.Code
			}
		}
	}
	for _, tr := range cfg.Transitions {
		from := m.codes[normalizeName(tr.From)]
		to := m.codes[normalizeName(tr.To)]
		if m.edges[from] == nil {
			m.edges[from] = map[int]struct{}{}
		}
		m.edges[from][to] = struct{}{}
	}
	return m, nil
}

// MustNew is New for package level machine definitions.
func MustNew(cfg MachineConfig) *Machine {
	m, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Machine) Entity() string { return m.entity }
func (m *Machine) Initial() int   { return m.initial }
func (m *Machine) Success() int   { return m.success }
func (m *Machine) Abnormal() int  { return m.abnormal }

// Has reports whether code is a declared state.
func (m *Machine) Has(code int) bool {
	_, ok := m.states[code]
	return ok
}

// IsTerminal reports whether code has no outgoing transitions.
func (m *Machine) IsTerminal(code int) bool {
	return m.states[code].Terminal
}

// Name returns the state name for code, or the number for unknown codes.
func (m *Machine) Name(code int) string {
	if st, ok := m.states[code]; ok {
		return st.Name
	}
	return fmt.Sprintf("%d", code)
}

// Code resolves a state name case-insensitively.
func (m *Machine) Code(name string) (int, bool) {
	code, ok := m.codes[normalizeName(name)]
	return code, ok
}

// Codes lists every state code in ascending order.
func (m *Machine) Codes() []int {
	out := make([]int, 0, len(m.states))
	for code := range m.states {
		out = append(out, code)
	}
	sort.Ints(out)
	return out
}

// NonTerminal lists every state code that is not terminal, ascending.
func (m *Machine) NonTerminal() []int {
	out := make([]int, 0, len(m.states))
	for _, code := range m.Codes() {
		if !m.states[code].Terminal {
			out = append(out, code)
		}
	}
	return out
}

// CanTransition reports whether from -> to is legal. Staying in a non
// terminal state is always legal.
func (m *Machine) CanTransition(from, to int) bool {
	if !m.Has(from) || !m.Has(to) {
		return false
	}
	if from == to {
		return !m.IsTerminal(from)
	}
	_, ok := m.edges[from][to]
	return ok
}

// Check returns an invalid transition error when from -> to is illegal.
func (m *Machine) Check(from, to int) error {
	if m.CanTransition(from, to) {
		return nil
	}
	return connector.NewError(connector.ErrInvalidTransition,
		fmt.Sprintf("%s cannot move from %s to %s", m.entity, m.Name(from), m.Name(to)),
		nil,
		map[string]any{"entity": m.entity, "from": from, "to": to},
	)
}

// Transition validates and applies to on e.
func (m *Machine) Transition(e *connector.Entity, to int, now time.Time) error {
	if e == nil {
		return connector.Validation("entity required", nil)
	}
	if err := m.Check(e.State, to); err != nil {
		return err
	}
	e.TransitionTo(to, now)
	return nil
}

// Terminate moves e to the abnormal terminal, recording cause. Entities
// already in a terminal state are left untouched.
func (m *Machine) Terminate(e *connector.Entity, now time.Time, cause error) error {
	if e == nil {
		return connector.Validation("entity required", nil)
	}
	if m.IsTerminal(e.State) {
		return m.Check(e.State, m.abnormal)
	}
	e.Fail(m.abnormal, now, cause)
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

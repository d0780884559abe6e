// Package router routes inbound protocol messages to the service that owns
// their process.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/protocol"
)

// Subscription removes a route.
type Subscription interface {
	Unsubscribe()
}

// Mux matches a message @type against registered patterns. A pattern is an
// exact type, or a prefix ending in "*". Exact patterns win over prefixes and
// longer prefixes over shorter ones.
type Mux struct {
	mu       sync.RWMutex
	sorted   []string
	handlers map[string][]*Entry
	logger   connector.Logger
}

type Entry struct {
	mux     *Mux
	pattern string
	Handler protocol.Handler
}

func (e *Entry) Unsubscribe() {
	m := e.mux
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.handlers[e.pattern]
	kept := make([]*Entry, 0, len(old))
	for _, x := range old {
		if x != e {
			kept = append(kept, x)
		}
	}
	if len(kept) == 0 {
		delete(m.handlers, e.pattern)
	} else {
		m.handlers[e.pattern] = kept
	}
	m.sort()
}

type Option func(*Mux)

func WithLogger(logger connector.Logger) Option {
	return func(m *Mux) {
		m.logger = logger
	}
}

func NewMux(opts ...Option) *Mux {
	m := &Mux{handlers: make(map[string][]*Entry)}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = connector.NormalizeLogger(m.logger)
	return m
}

// Add registers handler for pattern.
func (m *Mux) Add(pattern string, handler protocol.Handler) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &Entry{mux: m, pattern: pattern, Handler: handler}
	m.handlers[pattern] = append(m.handlers[pattern], e)
	m.sort()
	return e
}

// Get returns the handlers registered for the best pattern matching
// messageType.
func (m *Mux) Get(messageType string) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entries, ok := m.handlers[messageType]; ok {
		return append([]*Entry(nil), entries...)
	}
	for _, pattern := range m.sorted {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(messageType, prefix) {
			return append([]*Entry(nil), m.handlers[pattern]...)
		}
	}
	return nil
}

// Handle delivers msg to every matching handler and is itself a
// protocol.Handler. The first error stops delivery.
func (m *Mux) Handle(ctx context.Context, msg protocol.Message) error {
	if protocol.IsNilMessage(msg) {
		return connector.Validation("nil message", nil)
	}
	entries := m.Get(msg.Type())
	if len(entries) == 0 {
		m.logger.Warn("no route for %s", msg.Type())
		return connector.Validation(fmt.Sprintf("no route for %s", msg.Type()), map[string]any{"type": msg.Type()})
	}
	for _, e := range entries {
		if err := e.Handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// sort orders patterns longest first. Callers hold the lock.
func (m *Mux) sort() {
	keys := make([]string, 0, len(m.handlers))
	for k := range m.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	m.sorted = keys
}

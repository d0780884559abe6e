package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	connector "github.com/goliatone/go-connector"
)

// Dispatcher delivers a message to its recipient. A nil error is an ack. A
// rejection is an ErrNack coded error and delivery failures are transport
// errors; both are recoverable for process managers.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// Handler processes an inbound message. Returning an error rejects it.
type Handler func(ctx context.Context, msg Message) error

// Nack wraps a counter-party rejection.
func Nack(msg Message, cause error) error {
	meta := map[string]any{}
	if !IsNilMessage(msg) {
		meta["type"] = msg.Type()
		meta["idempotency_key"] = msg.IdempotencyKey()
	}
	return connector.NewError(connector.ErrNack, "counter-party rejected message", cause, meta)
}

// InMemoryDispatcher routes messages to handlers registered by address. The
// message goes through the wire codec so handlers never share memory with the
// sender.
type InMemoryDispatcher struct {
	mu     sync.RWMutex
	routes map[string]Handler
	sent   []Message
}

func NewInMemoryDispatcher() *InMemoryDispatcher {
	return &InMemoryDispatcher{routes: make(map[string]Handler)}
}

// Register binds address to h, replacing any previous handler.
func (d *InMemoryDispatcher) Register(address string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[address] = h
}

func (d *InMemoryDispatcher) Send(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return connector.Transport("send canceled", err)
	}

	d.mu.Lock()
	h, ok := d.routes[msg.Recipient()]
	d.sent = append(d.sent, msg)
	d.mu.Unlock()
	if !ok {
		return connector.Transport(fmt.Sprintf("no route to %s", msg.Recipient()), nil)
	}

	delivered, err := Decode(data)
	if err != nil {
		return err
	}
	if err := h(ctx, delivered); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return connector.Transport("delivery interrupted", err)
		}
		return Nack(msg, err)
	}
	return nil
}

// Sent returns every message passed to Send, in order.
func (d *InMemoryDispatcher) Sent() []Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Message(nil), d.sent...)
}

// Reset forgets sent messages.
func (d *InMemoryDispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = nil
}

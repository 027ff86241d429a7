package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrPortClosed = errors.New("bridge port is closed")

// DefaultAckTimeout bounds how long a dispatched user-intent action waits for
// the host page to acknowledge before the busy state is cleared.
const DefaultAckTimeout = 10 * time.Second

// AckTimeoutError is surfaced when the host never acknowledges an action.
// It is deliberately distinct from a network error: the underlying action may
// have succeeded in the host page with no way to confirm it.
type AckTimeoutError struct {
	Action string
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("No confirmation received for %s, the page may not have completed the action", e.Action)
}

// ActionRejectedError carries an explicit ACTION_ERROR answer from the host.
type ActionRejectedError struct {
	Action  string
	Message string
}

func (e *ActionRejectedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("The page rejected the %s action", e.Action)
}

type pendingAck struct {
	action string
	ch     chan Message
}

// Bridge layers a best-effort request/acknowledge protocol over a Port.
// Requests are one-shot emissions with no delivery guarantee; responses are
// correlated by message type only, and only the latest message of a type is
// retained. Action intents additionally wait for an ack, bounded by the ack
// timeout; a late ack finds no pending entry and mutates nothing.
type Bridge struct {
	port       Port
	ackTimeout time.Duration

	mu      sync.Mutex
	latest  map[string]Message
	pending map[string]*pendingAck
	waiters map[string][]chan Message
	closed  bool

	done chan struct{}
}

type Option func(*Bridge)

// WithAckTimeout overrides the 10s action-ack window, mainly for tests.
func WithAckTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.ackTimeout = d
	}
}

func New(port Port, opts ...Option) *Bridge {
	b := &Bridge{
		port:       port,
		ackTimeout: DefaultAckTimeout,
		latest:     map[string]Message{},
		pending:    map[string]*pendingAck{},
		waiters:    map[string][]chan Message{},
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.readLoop()
	return b
}

func (b *Bridge) readLoop() {
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-b.port.Receive():
			if !ok {
				// the port died underneath us (host tab closed without a
				// goodbye); tear down so waiters and dispatchers unblock
				b.Close()
				return
			}
			b.handle(msg)
		}
	}
}

func (b *Bridge) handle(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch msg.Type {
	case TypeActionSuccess, TypeActionError:
		// acks only ever resolve a pending dispatch; late ones are dropped
		if p, ok := b.pending[msg.Action]; ok {
			delete(b.pending, msg.Action)
			p.ch <- msg
		}
		return
	}

	b.latest[msg.Type] = msg
	for _, ch := range b.waiters[msg.Type] {
		ch <- msg
	}
	delete(b.waiters, msg.Type)
}

// RequestProductImages asks the host page for its product image set. The
// host may never respond; the widget renders an empty gallery in that case.
func (b *Bridge) RequestProductImages() error {
	return b.send(Message{Type: TypeProductImagesRequest})
}

// RequestStoreIdentity asks the host page who the storefront is, for when
// URL heuristics failed.
func (b *Bridge) RequestStoreIdentity() error {
	return b.send(Message{Type: TypeStoreIdentityRequest})
}

// AnnounceClose tells the host page the widget is going away. Fire and
// forget.
func (b *Bridge) AnnounceClose() error {
	return b.send(Message{Type: TypeWidgetClose})
}

// Latest returns the most recently received message of the given type.
// Multiple in-flight requests of one type are indistinguishable; only the
// newest response survives.
func (b *Bridge) Latest(msgType string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.latest[msgType]
	return msg, ok
}

// AwaitType blocks until a message of the given type arrives or the context
// expires. An already-retained message satisfies the wait immediately.
func (b *Bridge) AwaitType(ctx context.Context, msgType string) (Message, error) {
	b.mu.Lock()
	if msg, ok := b.latest[msgType]; ok {
		b.mu.Unlock()
		return msg, nil
	}
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrPortClosed
	}
	ch := make(chan Message, 1)
	b.waiters[msgType] = append(b.waiters[msgType], ch)
	b.mu.Unlock()

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		b.removeWaiter(msgType, ch)
		return Message{}, ctx.Err()
	case <-b.done:
		return Message{}, ErrPortClosed
	}
}

func (b *Bridge) removeWaiter(msgType string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.waiters[msgType][:0]
	for _, w := range b.waiters[msgType] {
		if w != ch {
			kept = append(kept, w)
		}
	}
	b.waiters[msgType] = kept
}

// DispatchAction sends a user-intent action (add-to-cart, buy-now) and waits
// for its ack. On timeout the pending entry is discarded so a late ack is
// ignored entirely.
func (b *Bridge) DispatchAction(ctx context.Context, action string, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrPortClosed
	}
	if _, inFlight := b.pending[action]; inFlight {
		b.mu.Unlock()
		return fmt.Errorf("action %s is already awaiting confirmation", action)
	}
	p := &pendingAck{action: action, ch: make(chan Message, 1)}
	b.pending[action] = p
	b.mu.Unlock()

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.dropPending(action)
			return fmt.Errorf("failed to encode action payload: %v", err)
		}
		raw = data
	}
	if err := b.send(Message{Type: TypeActionRequest, Action: action, Payload: raw}); err != nil {
		b.dropPending(action)
		return err
	}

	timer := time.NewTimer(b.ackTimeout)
	defer timer.Stop()

	select {
	case msg := <-p.ch:
		if msg.Type == TypeActionError {
			return &ActionRejectedError{Action: action, Message: msg.Error}
		}
		return nil
	case <-timer.C:
		b.dropPending(action)
		return &AckTimeoutError{Action: action}
	case <-ctx.Done():
		b.dropPending(action)
		return ctx.Err()
	case <-b.done:
		return ErrPortClosed
	}
}

func (b *Bridge) dropPending(action string) {
	b.mu.Lock()
	delete(b.pending, action)
	b.mu.Unlock()
}

func (b *Bridge) send(msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrPortClosed
	}
	b.mu.Unlock()
	return b.port.Send(msg)
}

// Close deregisters the reader and closes the underlying port. Safe to call
// more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	return b.port.Close()
}

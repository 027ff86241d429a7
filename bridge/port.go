package bridge

import (
	"encoding/json"
	"sync"
)

// Message is the wire unit exchanged with the embedding host page. Messages
// are correlated purely by Type (and Action for acks), never by request id.
type Message struct {
	Type    string          `json:"type"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// UnmarshalPayload decodes the message payload into out. An empty payload
// leaves out untouched.
func (m Message) UnmarshalPayload(out any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, out)
}

const (
	TypeProductImagesRequest  = "PRODUCT_IMAGES_REQUEST"
	TypeProductImagesResponse = "PRODUCT_IMAGES_RESPONSE"
	TypeStoreIdentityRequest  = "STORE_IDENTITY_REQUEST"
	TypeStoreIdentityResponse = "STORE_IDENTITY_RESPONSE"
	TypeWidgetClose           = "WIDGET_CLOSE"
	TypeActionRequest         = "ACTION_REQUEST"
	TypeActionSuccess         = "ACTION_SUCCESS"
	TypeActionError           = "ACTION_ERROR"
)

const (
	ActionAddToCart = "add_to_cart"
	ActionBuyNow    = "buy_now"
)

// Port is the one-way, unordered, best-effort channel to the host page.
// Send never guarantees delivery and the host may never answer.
type Port interface {
	Send(msg Message) error
	Receive() <-chan Message
	Close() error
}

// MemoryPort is an in-process Port: what the bridge sends lands in Sent, and
// tests inject host messages through Inject. It backs the orchestrator and
// bridge tests so no real window/iframe or websocket is involved.
type MemoryPort struct {
	mu       sync.Mutex
	sent     []Message
	incoming chan Message
	closed   bool
}

func NewMemoryPort() *MemoryPort {
	return &MemoryPort{incoming: make(chan Message, 32)}
}

func (p *MemoryPort) Send(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *MemoryPort) Receive() <-chan Message {
	return p.incoming
}

func (p *MemoryPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.incoming)
	}
	return nil
}

// Inject delivers a host-page message to the bridge reader.
func (p *MemoryPort) Inject(msg Message) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		p.incoming <- msg
	}
}

// Sent returns a copy of every message sent so far.
func (p *MemoryPort) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.sent))
	copy(out, p.sent)
	return out
}

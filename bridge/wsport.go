package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// WebsocketPort carries bridge messages over a websocket connection from the
// embedding host page. The relay is still best-effort end to end: the host
// script forwards postMessage traffic onto this socket and may silently stop
// doing so at any time.
type WebsocketPort struct {
	conn     *websocket.Conn
	incoming chan Message

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func NewWebsocketPort(conn *websocket.Conn) *WebsocketPort {
	p := &WebsocketPort{
		conn:     conn,
		incoming: make(chan Message, 32),
		done:     make(chan struct{}),
	}
	go p.readPump()
	go p.pingLoop()
	return p
}

// readPump is the only sender on incoming and the only place it is closed.
func (p *WebsocketPort) readPump() {
	defer close(p.incoming)
	defer p.Close()
	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case p.incoming <- msg:
		case <-p.done:
			return
		}
	}
}

func (p *WebsocketPort) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := p.conn.WriteMessage(websocket.PingMessage, nil)
			p.writeMu.Unlock()
			if err != nil {
				p.Close()
				return
			}
		}
	}
}

func (p *WebsocketPort) Send(msg Message) error {
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write bridge message: %v", err)
	}
	return nil
}

func (p *WebsocketPort) Receive() <-chan Message {
	return p.incoming
}

// Close unblocks the read pump; the pump then closes the incoming channel.
func (p *WebsocketPort) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
	return nil
}

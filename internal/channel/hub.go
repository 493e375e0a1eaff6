// Package channel delivers messages for long-lived streaming handles to the
// page. Command payloads reference a channel by token; handlers send on the
// resolved handle and the hub pushes frames over the page's websocket.
package channel

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Frame is one pushed channel message, routed on the page by channel id.
type Frame struct {
	ID      uint32          `json:"id"`
	Message json.RawMessage `json:"message"`
}

// Broadcaster pushes one channel message toward a window's page. Hub is the
// websocket implementation; dispatch depends on this seam so tests can
// substitute an in-memory collector.
type Broadcaster interface {
	Send(windowLabel string, id uint32, v any) error
}

// Hub tracks one push socket per window label.
type Hub struct {
	mu    sync.RWMutex
	pages map[string]*page
	log   zerolog.Logger
}

// page is a connected push socket with a buffered send queue. mu serializes
// enqueue against close so a replacement or detach can never close the queue
// out from under a concurrent Send.
type page struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

var _ Broadcaster = (*Hub)(nil)

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		pages: make(map[string]*page),
		log:   log.With().Str("component", "channel").Logger(),
	}
}

// Attach registers conn as the push socket for windowLabel, replacing any
// previous socket (a reloaded page reconnects under the same label). The
// write pump runs until Detach or a peer close.
func (h *Hub) Attach(windowLabel string, conn *websocket.Conn) {
	p := &page{conn: conn, send: make(chan []byte, 256)}

	h.mu.Lock()
	if old, ok := h.pages[windowLabel]; ok {
		old.close()
	}
	h.pages[windowLabel] = p
	h.mu.Unlock()

	go p.writePump()
	go h.readPump(windowLabel, p)

	h.log.Debug().Str("window", windowLabel).Msg("page socket attached")
}

// Detach drops the push socket for windowLabel, if it is still the one
// registered.
func (h *Hub) Detach(windowLabel string) {
	h.mu.Lock()
	if p, ok := h.pages[windowLabel]; ok {
		delete(h.pages, windowLabel)
		p.close()
	}
	h.mu.Unlock()
}

// Send pushes one message on channel id of windowLabel's page. Messages for
// a missing or saturated page are dropped with a diagnostic, the same
// tolerance the bridge applies to stale callbacks.
func (h *Hub) Send(windowLabel string, id uint32, v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode channel message: %w", err)
	}
	data, err := json.Marshal(Frame{ID: id, Message: msg})
	if err != nil {
		return fmt.Errorf("encode channel frame: %w", err)
	}

	h.mu.RLock()
	p, ok := h.pages[windowLabel]
	h.mu.RUnlock()
	if !ok {
		h.log.Debug().Str("window", windowLabel).Uint32("channel", id).
			Msg("dropping channel message, no page socket")
		return nil
	}

	switch p.enqueue(data) {
	case queueClosed:
		h.log.Debug().Str("window", windowLabel).Uint32("channel", id).
			Msg("dropping channel message, page socket closed")
	case queueFull:
		h.log.Debug().Str("window", windowLabel).Uint32("channel", id).
			Msg("dropping channel message, send buffer full")
	}
	return nil
}

// Close detaches every page socket.
func (h *Hub) Close() {
	h.mu.Lock()
	for label, p := range h.pages {
		delete(h.pages, label)
		p.close()
	}
	h.mu.Unlock()
}

// readPump drains the socket so peer close frames are processed, then
// detaches the page.
func (h *Hub) readPump(windowLabel string, p *page) {
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	if h.pages[windowLabel] == p {
		delete(h.pages, windowLabel)
	}
	h.mu.Unlock()
	p.close()
}

type queueResult int

const (
	queueOK queueResult = iota
	queueFull
	queueClosed
)

func (p *page) enqueue(data []byte) queueResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return queueClosed
	}
	select {
	case p.send <- data:
		return queueOK
	default:
		return queueFull
	}
}

func (p *page) writePump() {
	defer p.conn.Close()

	for message := range p.send {
		if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

func (p *page) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

// Package provider is the client side of room synchronization: it connects a
// local replicated document and awareness state to a room websocket, performs
// the initial two-way snapshot exchange, relays op batches in both directions
// and reconnects with buffered local edits when the connection drops.
package provider

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rsimon/liiive/internal/crdt"
	"github.com/rsimon/liiive/internal/model"
	"github.com/rsimon/liiive/internal/protocol"
)

const (
	writeTimeout     = 10 * time.Second
	reconnectMinWait = time.Second
	reconnectMaxWait = 30 * time.Second
	outboxLimit      = 1024
)

// Provider maintains the websocket session for one room.
type Provider struct {
	url    string
	token  string
	connID string
	doc    *crdt.Doc

	mu     sync.Mutex
	conn   *websocket.Conn
	outbox []protocol.Message
	closed bool

	// Serializes socket writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	onSynced    func()
	onStateless func(payload string)
	onAwareness func(entries []protocol.AwarenessEntry)

	unsubUpdates func()
	done         chan struct{}
}

// New prepares a provider for the given room endpoint. The document is the
// local replica; its updates start flowing once Connect succeeds.
func New(url, token string, doc *crdt.Doc) *Provider {
	return &Provider{
		url:    url,
		token:  token,
		connID: uuid.NewString(),
		doc:    doc,
		done:   make(chan struct{}),
	}
}

// ConnID identifies this connection in awareness entries.
func (p *Provider) ConnID() string {
	return p.connID
}

// OnSynced registers a callback invoked after each completed initial sync
// exchange, including re-syncs after reconnect. Must be set before Connect.
func (p *Provider) OnSynced(fn func()) {
	p.onSynced = fn
}

// OnStateless registers a callback for out-of-band server signals (save
// lifecycle, load errors). Must be set before Connect.
func (p *Provider) OnStateless(fn func(payload string)) {
	p.onStateless = fn
}

// OnAwareness registers a callback for incoming presence entries. Must be
// set before Connect.
func (p *Provider) OnAwareness(fn func(entries []protocol.AwarenessEntry)) {
	p.onAwareness = fn
}

// Connect dials the room and starts the session. Local document updates are
// forwarded from here on; while disconnected they are buffered and flushed on
// reconnect (the full-state re-sync covers anything dropped beyond the
// buffer). Connect returns after the first successful dial; reconnection runs
// in the background until Close or ctx cancellation.
func (p *Provider) Connect(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	p.unsubUpdates = p.doc.OnUpdate(func(update []byte) {
		p.enqueue(protocol.Update(update))
	})
	go p.run(ctx, conn)
	return nil
}

// SendAwareness forwards the local presence state to the room. A nil state
// clears this connection's presence. Safe to use as the awareness manager's
// broadcast sink.
func (p *Provider) SendAwareness(state model.PresenceState) {
	p.enqueue(protocol.Awareness([]protocol.AwarenessEntry{
		{ClientID: p.connID, State: &state},
	}))
}

// Close clears this connection's presence for the peers and shuts the
// session down.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	if p.unsubUpdates != nil {
		p.unsubUpdates()
	}
	clear := protocol.Awareness([]protocol.AwarenessEntry{
		{ClientID: p.connID, State: nil},
	})
	if conn != nil {
		p.writeMessage(conn, clear)
		conn.Close()
	}
	close(p.done)
}

// Done is closed when the provider has shut down.
func (p *Provider) Done() <-chan struct{} {
	return p.done
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, header)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return conn, nil
}

func (p *Provider) run(ctx context.Context, conn *websocket.Conn) {
	wait := reconnectMinWait
	for {
		p.session(conn)
		if p.isClosed() || ctx.Err() != nil {
			return
		}

		log.Printf("[Provider %s] Disconnected, reconnecting in %v", p.connID, wait)
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-time.After(wait):
		}
		if wait < reconnectMaxWait {
			wait *= 2
		}

		next, err := p.dial(ctx)
		if err != nil {
			log.Printf("[Provider %s] Reconnect failed: %v", p.connID, err)
			conn = nil
			continue
		}
		conn = next
		wait = reconnectMinWait
	}
}

// session runs one connection until it fails. The server opens with a full
// snapshot; the reply carries the local state so offline edits merge in.
func (p *Provider) session(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	defer conn.Close()

	synced := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !p.isClosed() {
				log.Printf("[Provider %s] Read failed: %v", p.connID, err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("[Provider %s] Dropping malformed message: %v", p.connID, err)
			continue
		}

		switch msg.Type {
		case protocol.TypeSync:
			if err := p.doc.ApplyState(msg.State); err != nil {
				log.Printf("[Provider %s] Rejecting snapshot: %v", p.connID, err)
				continue
			}
			if !synced {
				synced = true
				if err := p.writeMessage(conn, protocol.Sync(p.doc.EncodeState())); err != nil {
					return
				}
				if err := p.flushOutbox(conn); err != nil {
					return
				}
				if p.onSynced != nil {
					p.onSynced()
				}
			}

		case protocol.TypeUpdate:
			if err := p.doc.ApplyUpdate(msg.Update); err != nil {
				log.Printf("[Provider %s] Rejecting update: %v", p.connID, err)
			}

		case protocol.TypeAwareness:
			if p.onAwareness != nil {
				p.onAwareness(msg.Awareness)
			}

		case protocol.TypeStateless:
			if p.onStateless != nil {
				p.onStateless(msg.Payload)
			}
		}
	}
}

// enqueue buffers a message and flushes the buffer if connected. Awareness is
// continuously overwritten and document state re-syncs on reconnect, so the
// buffer caps out by dropping the oldest entries.
func (p *Provider) enqueue(msg protocol.Message) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.outbox = append(p.outbox, msg)
	if len(p.outbox) > outboxLimit {
		p.outbox = p.outbox[len(p.outbox)-outboxLimit:]
	}
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		if err := p.flushOutbox(conn); err != nil {
			log.Printf("[Provider %s] Write failed: %v", p.connID, err)
		}
	}
}

func (p *Provider) flushOutbox(conn *websocket.Conn) error {
	p.mu.Lock()
	pending := p.outbox
	p.outbox = nil
	p.mu.Unlock()

	for i, msg := range pending {
		if err := p.writeMessage(conn, msg); err != nil {
			p.mu.Lock()
			p.outbox = append(pending[i:], p.outbox...)
			p.mu.Unlock()
			return err
		}
	}
	return nil
}

func (p *Provider) writeMessage(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokymon/sessiond/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the broadcaster is at
// its connection limit.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	clientSendBuffer = 64
	writeWait        = 5 * time.Second
)

// SnapshotSource returns the orchestrator's current session.
type SnapshotSource func() session.Snapshot

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans session events out to websocket clients. Transitions are
// coalesced: only the newest state within a throttle window is sent.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int

	current SnapshotSource
	store   *session.Store
	logger  *zap.Logger

	throttle       time.Duration
	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once

	flushMu      sync.Mutex
	pendingState *StatePayload
	flushTimer   *time.Timer
}

// NewBroadcaster starts the periodic snapshot loop. maxConns <= 0 means no
// limit. current may be nil when only history is served.
func NewBroadcaster(current SnapshotSource, store *session.Store, throttle, snapshotInterval time.Duration, maxConns int, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		maxConns:       maxConns,
		current:        current,
		store:          store,
		logger:         logger.Named("ws"),
		throttle:       throttle,
		snapshotTicker: time.NewTicker(snapshotInterval),
		done:           make(chan struct{}),
	}
	go b.snapshotLoop()
	return b
}

// AddClient registers conn and queues an initial snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, clientSendBuffer),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	if data, err := json.Marshal(b.snapshotMessage()); err == nil {
		b.mu.RLock()
		if b.clients[c] {
			select {
			case c.send <- data:
			default:
			}
		}
		b.mu.RUnlock()
	}
	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleEvent implements session.Sink.
func (b *Broadcaster) HandleEvent(ev session.Event) {
	switch ev.Type {
	case session.EventStarted, session.EventTransition:
		b.queueState(ev.From, ev.Snapshot)
	case session.EventModuleDone:
		if ev.Entry == nil || ev.Snapshot == nil {
			return
		}
		b.broadcast(WSMessage{
			Type:    MsgModuleDone,
			Payload: ModuleDonePayload{SessionID: ev.Snapshot.SessionID, Entry: *ev.Entry},
		})
	case session.EventEnded:
		b.flush()
		b.broadcast(WSMessage{Type: MsgSessionEnd, Payload: ev.Snapshot})
	}
}

func (b *Broadcaster) queueState(from session.State, snap *session.Snapshot) {
	if snap == nil {
		return
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	if b.pendingState == nil {
		b.pendingState = &StatePayload{From: from}
	}
	b.pendingState.Session = snap
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	pending := b.pendingState
	b.pendingState = nil
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.flushMu.Unlock()

	if pending == nil {
		return
	}
	b.broadcast(WSMessage{Type: MsgState, Payload: pending})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			if b.ClientCount() > 0 {
				b.broadcast(b.snapshotMessage())
			}
		}
	}
}

func (b *Broadcaster) snapshotMessage() WSMessage {
	var p SnapshotPayload
	if b.current != nil {
		cur := b.current()
		p.Current = &cur
	}
	if b.store != nil {
		p.History = b.store.GetAll()
	}
	return WSMessage{Type: MsgSnapshot, Payload: p}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("broadcast marshal failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warn("ws client too slow, disconnecting", zap.String("remote", c.conn.RemoteAddr().String()))
		b.RemoveClient(c)
	}
}

// Stop ends the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.done)

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.pendingState = nil
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}

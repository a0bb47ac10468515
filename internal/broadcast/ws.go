package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout is the deadline for a single write to a peer.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-peer outgoing message buffer depth.
	sendBufSize = 32

	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are local contexts of the same user; origin checks belong to
	// whatever fronts the hub.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub relays messages between websocket peers. Peers are grouped in rooms,
// one per user; a message from one peer is forwarded to every other peer of
// its room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*peer]struct{}
}

type peer struct {
	room string
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*peer]struct{})}
}

// ServeRoom upgrades the connection and relays for room until the peer
// disconnects.
func (h *Hub) ServeRoom(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}
	p := &peer{room: room, conn: conn, send: make(chan []byte, sendBufSize)}
	h.register(p)
	defer h.unregister(p)

	go p.writePump()
	h.readPump(p)
}

// Count returns the number of connected peers in room.
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, room := range h.rooms {
		for p := range room {
			close(p.send)
		}
		delete(h.rooms, name)
	}
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	room, ok := h.rooms[p.room]
	if !ok {
		room = make(map[*peer]struct{})
		h.rooms[p.room] = room
	}
	room[p] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[p.room]
	if _, ok := room[p]; ok {
		delete(room, p)
		close(p.send)
		if len(room) == 0 {
			delete(h.rooms, p.room)
		}
	}
}

func (h *Hub) relay(from *peer, msg []byte) {
	// Sends happen under the read lock so no channel is closed mid-send.
	var slow []*peer
	h.mu.RLock()
	for p := range h.rooms[from.room] {
		if p == from {
			continue
		}
		select {
		case p.send <- msg:
		default:
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	// Peers whose outgoing buffer is full are disconnected.
	for _, p := range slow {
		h.unregister(p)
	}
}

// readPump forwards every text frame from p to its room. Blocks until the
// connection closes.
func (h *Hub) readPump(p *peer) {
	defer p.conn.Close()
	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		h.relay(p, msg)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WSClient is a Transport connected to a Hub room.
type WSClient struct {
	conn *websocket.Conn
	ch   chan []byte

	wmu    sync.Mutex
	once   sync.Once
	closed chan struct{}
}

// Dial connects to a hub room at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &WSClient{
		conn:   conn,
		ch:     make(chan []byte, sendBufSize),
		closed: make(chan struct{}),
	}
	conn.SetPingHandler(func(data string) error {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer close(c.ch)
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.ch <- msg:
		case <-c.closed:
			return
		default:
			// Receiver is behind; announcements are best effort.
		}
	}
}

func (c *WSClient) Publish(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSClient) Messages() <-chan []byte { return c.ch }

func (c *WSClient) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.wmu.Lock()
		c.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

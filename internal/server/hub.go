package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/ingestion"
	"NFTLend/internal/observability"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingPeriod   = 30 * time.Second
	streamClientBuffer = 256
)

// Hub streams emitted events to websocket subscribers. It is a projection
// sink: Offer never blocks, and a subscriber whose buffer is full is
// disconnected rather than slowing the core.
//
// Subscribers may filter with ?entity=<id>; each frame is one event in the
// same form the NATS publisher emits.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn   *websocket.Conn
	entity string
	send   chan []byte
	once   sync.Once
}

func NewHub(metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: metrics,
		log:     logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// Offer fans one core output out to every matching subscriber.
func (h *Hub) Offer(out core.CoreOutput) {
	if out.Envelope == nil || len(out.Envelope.Events) == 0 {
		return
	}
	var records []event.Record
	if err := json.Unmarshal(out.Envelope.Events, &records); err != nil {
		h.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("stream: bad event records")
		return
	}
	if len(records) == 0 {
		return
	}

	frames := make([]struct {
		entity string
		data   []byte
	}, 0, len(records))
	for i, r := range records {
		data, err := json.Marshal(ingestion.PublishedEvent{
			Sequence:       out.Envelope.Sequence,
			Ordinal:        i,
			EventType:      r.Type,
			Entity:         string(r.Entity),
			IdempotencyKey: out.Envelope.IdempotencyKey,
			Timestamp:      out.Envelope.Timestamp,
			Payload:        r.Payload,
		})
		if err != nil {
			continue
		}
		frames = append(frames, struct {
			entity string
			data   []byte
		}{string(r.Entity), data})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		for _, f := range frames {
			if c.entity != "" && c.entity != f.entity {
				continue
			}
			select {
			case c.send <- f.data:
			default:
				h.dropLocked(c, "slow subscriber")
			}
		}
	}
}

// ServeHTTP upgrades the request and registers a subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("stream: upgrade failed")
		return
	}
	c := &streamClient{
		conn:   conn,
		entity: r.URL.Query().Get("entity"),
		send:   make(chan []byte, streamClientBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.setGaugeLocked()
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c, "shutdown")
	}
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c, "")
}

func (h *Hub) dropLocked(c *streamClient, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.setGaugeLocked()
	c.once.Do(func() { close(c.send) })
	if reason != "" {
		h.log.Info().Str("reason", reason).Str("entity", c.entity).Msg("stream subscriber dropped")
	}
}

func (h *Hub) setGaugeLocked() {
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(len(h.clients)))
	}
}

func (h *Hub) writeLoop(c *streamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readLoop only services control frames; subscribers send nothing.
func (h *Hub) readLoop(c *streamClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

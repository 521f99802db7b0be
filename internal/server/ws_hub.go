package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsSendBuffer = 256
	wsReplayPage = 500
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
	wsWriteWait  = 10 * time.Second
)

// Replayer reads persisted envelopes. persistence.LogReader implements it.
type Replayer interface {
	EnvelopesAfter(ctx context.Context, after int64, limit int) ([]*event.Envelope, error)
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan *event.Envelope
	market string
	after  int64
}

func (c *wsClient) wants(env *event.Envelope) bool {
	return c.market == "" || env.MarketID == "" || env.MarketID == c.market
}

// EventHub streams committed envelopes to WebSocket clients. A client
// may pass ?from=<sequence> to first replay everything after that
// sequence from the event log, and ?market=<id> to filter.
type EventHub struct {
	input      <-chan *event.Envelope
	replay     Replayer
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	upgrader   websocket.Upgrader
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// NewEventHub creates a hub fed by input. replay may be nil, in which case
// ?from is ignored.
func NewEventHub(input <-chan *event.Envelope, replay Replayer, metrics *observability.Metrics) *EventHub {
	return &EventHub{
		input:      input,
		replay:     replay,
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  observability.NewLogger("ws"),
	}
}

// Run owns the client set. It returns when ctx is cancelled or the input
// sink is closed, disconnecting every client.
func (h *EventHub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug().Int("total", len(h.clients)).Msg("ws client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}

		case env, ok := <-h.input:
			if !ok {
				return
			}
			for c := range h.clients {
				if !c.wants(env) {
					continue
				}
				select {
				case c.send <- env:
				default:
					// Slow consumer; it can reconnect with ?from.
					delete(h.clients, c)
					close(c.send)
					if h.metrics != nil {
						h.metrics.EventDrops.WithLabelValues("ws").Inc()
					}
				}
			}
		}
	}
}

// HandleWS upgrades the request and starts the client's pumps.
func (h *EventHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		after = v
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &wsClient{
		conn:   conn,
		send:   make(chan *event.Envelope, wsSendBuffer),
		market: r.URL.Query().Get("market"),
		after:  after,
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c, r.URL.Query().Has("from"))
	go h.readPump(c)
}

// readPump keeps the read deadline fresh and detects disconnects.
func (h *EventHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on c.conn.
func (h *EventHub) writePump(c *wsClient, catchUp bool) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	last := c.after
	boundary := catchUp
	if catchUp {
		var ok bool
		if last, ok = h.catchUp(c, last, 0); !ok {
			return
		}
	}

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if env.Sequence <= last {
				continue
			}
			// Events committed before registration may have been persisted
			// only after the replay read; fill that gap once.
			if boundary {
				boundary = false
				if env.Sequence > last+1 {
					if last, ok = h.catchUp(c, last, env.Sequence); !ok {
						return
					}
				}
			}
			if !h.write(c, env) {
				return
			}
			last = env.Sequence

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// catchUp writes persisted envelopes after last, stopping before until
// when until > 0. It returns the last sequence written.
func (h *EventHub) catchUp(c *wsClient, last, until int64) (int64, bool) {
	if h.replay == nil {
		return last, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		envs, err := h.replay.EnvelopesAfter(ctx, last, wsReplayPage)
		if err != nil {
			h.logger.Warn().Err(err).Int64("after", last).Msg("ws replay failed")
			return last, true
		}
		for _, env := range envs {
			if until > 0 && env.Sequence >= until {
				return last, true
			}
			if c.wants(env) && !h.write(c, env) {
				return last, false
			}
			last = env.Sequence
		}
		if len(envs) < wsReplayPage {
			return last, true
		}
	}
}

func (h *EventHub) write(c *wsClient, env *event.Envelope) bool {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(env); err != nil {
		h.logger.Debug().Err(err).Msg("ws write failed")
		return false
	}
	return true
}

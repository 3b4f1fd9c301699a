package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is the maximum inbound message size allowed.
	MaxMessageSize = 512

	defaultReplayCount = 100
	clientBuffer       = 256
)

// Observer streams bus events to WebSocket clients. It is an http.Handler;
// clients may pass ?topics=a,b to filter, ?replay=false to skip history and
// ?count=n to bound the replay.
type Observer struct {
	bus      *Bus
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	subID  SubscriptionID
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
	once   sync.Once
}

func (c *client) wants(topic string) bool {
	return len(c.topics) == 0 || c.topics[topic]
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewObserver attaches a WebSocket observer to the bus.
func NewObserver(bus *Bus, logger zerolog.Logger) (*Observer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Observer{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}

	id, err := bus.Subscribe(Wildcard, o.handleBusEvent)
	if err != nil {
		cancel()
		return nil, err
	}
	o.subID = id
	return o, nil
}

// ClientCount returns the number of connected WebSocket clients.
func (o *Observer) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

// Close disconnects every client and detaches from the bus.
func (o *Observer) Close() error {
	o.cancel()
	_ = o.bus.Unsubscribe(o.subID)

	o.clientsMu.Lock()
	for c := range o.clients {
		c.close()
		delete(o.clients, c)
	}
	o.clientsMu.Unlock()

	o.wg.Wait()
	return nil
}

// ServeHTTP upgrades the connection and starts streaming.
func (o *Observer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	replay := q.Get("replay") != "false"
	count := defaultReplayCount
	if n, err := strconv.Atoi(q.Get("count")); err == nil && n > 0 {
		count = n
	}
	topics := make(map[string]bool)
	for _, t := range strings.Split(q.Get("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics[t] = true
		}
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer), topics: topics}
	if replay {
		for _, ev := range o.bus.History(count) {
			if !c.wants(ev.Topic) {
				continue
			}
			if data, err := json.Marshal(ev); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}
		}
	}

	o.clientsMu.Lock()
	o.clients[c] = true
	total := len(o.clients)
	o.clientsMu.Unlock()
	o.logger.Debug().Int("clients", total).Msg("event stream client connected")

	o.wg.Add(2)
	go o.writePump(c)
	go o.readPump(c)
}

func (o *Observer) unregister(c *client) {
	o.clientsMu.Lock()
	if o.clients[c] {
		delete(o.clients, c)
		c.close()
	}
	o.clientsMu.Unlock()
}

func (o *Observer) writePump(c *client) {
	defer o.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				o.unregister(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.unregister(c)
				return
			}

		case <-o.ctx.Done():
			return
		}
	}
}

// readPump only services control frames; inbound messages are ignored.
func (o *Observer) readPump(c *client) {
	defer o.wg.Done()
	defer o.unregister(c)

	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				o.logger.Debug().Err(err).Msg("event stream read error")
			}
			return
		}
	}
}

func (o *Observer) handleBusEvent(ctx context.Context, event Event) error {
	if o.ClientCount() == 0 {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// Sends happen under the read lock so unregister cannot close a channel mid-send.
	var slow []*client
	o.clientsMu.RLock()
	for c := range o.clients {
		if !c.wants(event.Topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	o.clientsMu.RUnlock()

	for _, c := range slow {
		o.unregister(c)
	}
	return nil
}

package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agrialert/internal/registry"
	logx "agrialert/pkg/logx"
)

// ErrBufferFull is returned by Send when the peer is not draining its queue.
var ErrBufferFull = errors.New("ws: send buffer full")

type Config struct {
	SendBuffer int
	WriteWait  time.Duration
	PongWait   time.Duration
	// MaxMessage caps inbound frames in bytes.
	MaxMessage int64
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessage <= 0 {
		c.MaxMessage = 4096
	}
	return c
}

func (c Config) pingPeriod() time.Duration { return c.PongWait * 9 / 10 }

// Conn is one websocket peer. Writes happen on a single goroutine fed by a
// bounded queue, so Send never blocks on the network.
type Conn struct {
	id   string
	user string
	ws   *websocket.Conn
	cfg  Config
	log  logx.Logger

	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once

	mu     sync.Mutex
	topics []string
}

func newConn(user string, wsc *websocket.Conn, cfg Config, log logx.Logger) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:   id,
		user: user,
		ws:   wsc,
		cfg:  cfg,
		log:  log.With(logx.String("conn_id", id), logx.String("user_id", user)),
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
	c.state.Store(int32(registry.StateConnecting))
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) User() string { return c.user }

func (c *Conn) State() registry.State { return registry.State(c.state.Load()) }

// Topics returns the topics the peer subscribed to.
func (c *Conn) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

func (c *Conn) Send(msg []byte) error {
	if c.State() != registry.StateOpen {
		return registry.ErrNotOpen
	}
	select {
	case <-c.done:
		return registry.ErrNotOpen
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close starts the close handshake. It is idempotent and never blocks.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(registry.StateClosing))
		close(c.done)
	})
	return nil
}

// writeLoop drains the queue and keeps the peer alive with pings.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.state.Store(int32(registry.StateClosed))
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("ws write failed", logx.Err(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}

// readLoop answers control messages until the peer goes away.
func (c *Conn) readLoop() {
	c.ws.SetReadLimit(c.cfg.MaxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("ws read closed", logx.Err(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		out, topics, ok := reply(raw)
		if !ok {
			continue
		}
		if topics != nil {
			c.mu.Lock()
			c.topics = topics
			c.mu.Unlock()
		}
		if err := c.Send(out); err != nil {
			c.log.Debug("control reply dropped", logx.Err(err))
		}
	}
}

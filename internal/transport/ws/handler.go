// Package ws serves the push channel: websocket upgrade, identity check,
// per-connection read/write loops and the JSON wire format.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agrialert/internal/observability"
	"agrialert/internal/registry"
	"agrialert/internal/storage"
	logx "agrialert/pkg/logx"
)

// Directory resolves the identity behind a connection request.
type Directory interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
}

type Handler struct {
	reg      *registry.Registry
	users    Directory
	cfg      Config
	upgrader websocket.Upgrader
	userID   func(*http.Request) string
	log      logx.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu     sync.Mutex
	closed bool
	conns  map[*Conn]struct{}
	wg     sync.WaitGroup
}

type Option func(*Handler)

// WithUserID sets how the user id is read from the request. The default
// reads the user_id query parameter.
func WithUserID(fn func(*http.Request) string) Option { return func(h *Handler) { h.userID = fn } }

func WithMetrics(m *observability.Metrics) Option { return func(h *Handler) { h.metrics = m } }

// WithCheckOrigin replaces the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

func NewHandler(reg *registry.Registry, users Directory, cfg Config, log logx.Logger, opts ...Option) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{
		reg:   reg,
		users: users,
		cfg:   cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		userID: func(r *http.Request) string { return r.URL.Query().Get("user_id") },
		log:    log.With(logx.String("comp", "ws")),
		now:    time.Now,
		conns:  map[*Conn]struct{}{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := h.userID(r)
	if user == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}
	u, err := h.users.GetUser(r.Context(), user)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "unknown user", http.StatusForbidden)
		return
	case err != nil:
		h.log.Warn("identity lookup failed", logx.String("user_id", user), logx.Err(err))
		http.Error(w, "identity lookup failed", http.StatusServiceUnavailable)
		return
	case !u.Eligible(h.now()):
		http.Error(w, "user not allowed", http.StatusForbidden)
		return
	}

	wsc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("ws upgrade failed", logx.String("user_id", user), logx.Err(err))
		return
	}

	c := newConn(user, wsc, h.cfg, h.log)
	c.state.Store(int32(registry.StateOpen))
	if !h.admit(c) {
		_ = wsc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		_ = wsc.Close()
		return
	}
	h.reg.Register(user, c)
	h.metrics.Connections(h.reg.Len())
	h.log.Info("ws connected", logx.String("user_id", user), logx.String("conn_id", c.ID()), logx.Int("user_conns", h.reg.Count(user)))

	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	c.readLoop()

	h.reg.Unregister(user, c)
	_ = c.Close()
	h.forget(c)
	h.metrics.Connections(h.reg.Len())
	h.log.Info("ws disconnected", logx.String("user_id", user), logx.String("conn_id", c.ID()))
}

// admit tracks c and accounts for its writer. It refuses once Shutdown has
// started so Shutdown's wait covers every admitted connection.
func (h *Handler) admit(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) forget(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Shutdown closes every live connection and waits for their writers to
// finish, up to ctx. Hijacked connections are not covered by
// http.Server.Shutdown.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	live := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		live = append(live, c)
	}
	h.mu.Unlock()
	for _, c := range live {
		h.reg.Unregister(c.User(), c)
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

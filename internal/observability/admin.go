package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "agrialert/internal/runtime/supervisor"
	logx "agrialert/pkg/logx"
)

// AdminConfig controls the admin listener (metrics, health, pprof).
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type AdminConfig struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// Health reports readiness; a non-nil error turns /healthz into 503.
type Health func(ctx context.Context) error

type Admin struct {
	mu       sync.Mutex
	log      logx.Logger
	cfg      AdminConfig
	gatherer prometheus.Gatherer
	health   Health

	srv *http.Server
	sup *rtsup.Supervisor
}

func NewAdmin(cfg AdminConfig, gatherer prometheus.Gatherer, health Health, log logx.Logger) *Admin {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Admin{cfg: cfg, gatherer: gatherer, health: health, log: log.With(logx.String("comp", "admin"))}
}

// Handler builds the admin routes. Exposed for tests.
func (a *Admin) Handler() http.Handler {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withToken(cfg.Token, h) }

	mux.Handle("/metrics", wrap(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))
	mux.Handle("/healthz", wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := a.health(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})))
	if cfg.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

// Start serves the admin routes until Stop. Bind failures are retried with backoff.
func (a *Admin) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cfg.Enabled || a.sup != nil {
		return
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.sup.GoRestart("admin.serve", a.serveOnce, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
}

func (a *Admin) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv, sup := a.srv, a.sup
	a.srv, a.sup = nil, nil
	a.mu.Unlock()

	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if sup != nil {
		return sup.Stop(ctx)
	}
	return nil
}

func (a *Admin) serveOnce(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		a.log.Error("admin listener refused: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}

	a.mu.Lock()
	a.srv = srv
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	a.log.Info("admin listener started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// withToken accepts "Authorization: Bearer <token>" or "?token=<token>".
func withToken(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

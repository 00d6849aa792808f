// Package httpapi exposes alert creation, listing, readings ingestion and
// push messaging over HTTP, plus the websocket endpoint.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"agrialert/internal/alert"
	"agrialert/internal/alerting"
	"agrialert/internal/registry"
	"agrialert/internal/storage"
	logx "agrialert/pkg/logx"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

type Alerts interface {
	CreateAlert(ctx context.Context, spec alert.Spec) (string, error)
	RunChecks(ctx context.Context) (alerting.CheckReport, error)
}

type AlertReader interface {
	ListActive(ctx context.Context, userID string) ([]alert.Record, error)
	MarkRead(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (alert.Record, error)
}

type Directory interface {
	UpsertUser(ctx context.Context, u storage.User) error
	GetUser(ctx context.Context, id string) (storage.User, error)
}

type Readings interface {
	PutReading(ctx context.Context, r storage.Reading) error
}

type Pusher interface {
	Deliver(user string, msg []byte) registry.Delivery
	Broadcast(msg []byte) registry.Delivery
}

type Deps struct {
	Alerts   Alerts
	Store    AlertReader
	Users    Directory
	Readings Readings
	Push     Pusher
	// WS serves /ws/{user_id}; nil leaves the route unregistered.
	WS  http.Handler
	Log logx.Logger
	Now func() time.Time
}

type API struct {
	d   Deps
	log logx.Logger
	now func() time.Time
}

func New(d Deps) *API {
	a := &API{d: d, log: d.Log, now: d.Now}
	if a.log.IsZero() {
		a.log = logx.Nop()
	}
	a.log = a.log.With(logx.String("comp", "httpapi"))
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a
}

// Router builds the route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.StrictSlash(true)
	if a.d.WS != nil {
		r.Handle("/ws/{user_id}", a.d.WS).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.limitBody, a.logRequests)
	v1.HandleFunc("/alerts", a.createAlert).Methods(http.MethodPost)
	v1.HandleFunc("/alerts", a.listAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", a.getAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/read", a.markRead).Methods(http.MethodPost)
	v1.HandleFunc("/readings", a.putReading).Methods(http.MethodPost)
	v1.HandleFunc("/checks/run", a.runChecks).Methods(http.MethodPost)
	v1.HandleFunc("/system-messages", a.systemMessage).Methods(http.MethodPost)
	v1.HandleFunc("/users/{user_id}", a.putUser).Methods(http.MethodPut)
	v1.HandleFunc("/users/{user_id}/notifications", a.notifyUser).Methods(http.MethodPost)

	// Subrouters do not inherit these from the parent.
	for _, rt := range []*mux.Router{r, v1} {
		rt.NotFoundHandler = http.HandlerFunc(notFound)
		rt.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	}
	return r
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// UserIDFromPath extracts {user_id} for the websocket handler.
func UserIDFromPath(r *http.Request) string { return mux.Vars(r)["user_id"] }

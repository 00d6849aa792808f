package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"agrialert/internal/alert"
	"agrialert/internal/storage"
	"agrialert/internal/transport/ws"
	logx "agrialert/pkg/logx"
)

func (a *API) createAlert(w http.ResponseWriter, r *http.Request) {
	var spec alert.Spec
	if err := decode(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.d.Alerts.CreateAlert(r.Context(), spec)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/alerts/"+id)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	recs, err := a.d.Store.ListActive(r.Context(), strings.TrimSpace(r.URL.Query().Get("user_id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []alert.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": recs, "count": len(recs)})
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	rec, err := a.d.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// markRead answers 200 for known ids whether or not they were already read,
// and 404 for unknown ids.
func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	matched, err := a.d.Store.MarkRead(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !matched {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_read": true})
}

type readingRequest struct {
	Metric     string      `json:"metric"`
	Scope      alert.Scope `json:"scope"`
	Value      *float64    `json:"value"`
	ObservedAt time.Time   `json:"observed_at"`
}

func (a *API) putReading(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metric := strings.TrimSpace(req.Metric)
	if metric == "" || req.Value == nil {
		writeError(w, http.StatusBadRequest, "metric and value are required")
		return
	}
	now := a.now()
	at := req.ObservedAt
	if at.IsZero() {
		at = now
	}
	if at.After(now.Add(time.Minute)) {
		writeError(w, http.StatusBadRequest, "observed_at is in the future")
		return
	}
	rd := storage.Reading{Metric: metric, Scope: req.Scope.Key(), Value: *req.Value, ObservedAt: at.UTC()}
	if err := a.d.Readings.PutReading(r.Context(), rd); err != nil {
		a.fail(w, r, &alert.PersistenceError{Op: "put_reading", Err: err})
		return
	}
	writeJSON(w, http.StatusAccepted, rd)
}

func (a *API) runChecks(w http.ResponseWriter, r *http.Request) {
	rep, err := a.d.Alerts.RunChecks(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) systemMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	msg, err := ws.SystemMessage(req.Message, a.now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	d := a.d.Push.Broadcast(msg)
	a.log.Info("system message broadcast", logx.Int("delivered", d.Delivered), logx.Int("pruned", d.Pruned))
	writeJSON(w, http.StatusOK, d)
}

func (a *API) notifyUser(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user_id"]
	var data json.RawMessage
	if err := decode(r, &data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) == 0 || data[0] != '{' {
		writeError(w, http.StatusBadRequest, "notification data must be a JSON object")
		return
	}
	msg, err := ws.NotificationMessage(data, a.now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.d.Push.Deliver(user, msg))
}

func (a *API) putUser(w http.ResponseWriter, r *http.Request) {
	var u storage.User
	if err := decode(r, &u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["user_id"])
	if u.ID != "" && u.ID != id {
		writeError(w, http.StatusBadRequest, "id in body does not match path")
		return
	}
	u.ID = id
	if err := a.d.Users.UpsertUser(r.Context(), u); err != nil {
		a.fail(w, r, &alert.PersistenceError{Op: "upsert_user", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, u)
}

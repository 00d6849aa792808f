// Package push delivers alerts to a user's live websocket connections.
package push

import (
	"context"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/notifier"
	"agrialert/internal/registry"
	"agrialert/internal/transport/ws"
)

type Sender struct {
	reg *registry.Registry
	now func() time.Time
}

func New(reg *registry.Registry) *Sender {
	return &Sender{reg: reg, now: time.Now}
}

func (s *Sender) Channel() alert.Channel { return alert.ChannelWebsocket }

// Reachable reports whether the user has at least one live connection.
func (s *Sender) Reachable(to notifier.Recipient) bool { return s.reg.Count(to.UserID) > 0 }

// Send hands the alert to every live connection. Zero delivered is reported
// as skipped, never as a failure; dead connections are pruned by the registry.
func (s *Sender) Send(ctx context.Context, to notifier.Recipient, rec alert.Record) notifier.Result {
	msg, err := ws.AlertMessage(rec, s.now())
	if err != nil {
		return notifier.Fail(notifier.NewError(notifier.KindRejected, "encode alert", err))
	}
	d := s.reg.Deliver(to.UserID, msg)
	res := notifier.Result{Status: notifier.StatusSuccess, Delivered: d.Delivered, Pruned: d.Pruned}
	if d.Delivered == 0 {
		res.Status = notifier.StatusSkipped
	}
	return res
}

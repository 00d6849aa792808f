package notifier

import (
	"context"
	"fmt"
	"time"

	"agrialert/internal/alert"
)

// Status is the outcome class of one channel send.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusTransient Status = "transient_failure"
	StatusPermanent Status = "permanent_failure"
	// StatusSkipped means there was nothing to deliver to (for example no
	// live connection). It is not a failure.
	StatusSkipped Status = "skipped"
)

// Result is the outcome of one channel send to one recipient.
type Result struct {
	Channel   alert.Channel `json:"channel"`
	Status    Status        `json:"status"`
	Delivered int           `json:"delivered,omitempty"`
	Pruned    int           `json:"pruned,omitempty"`
	Attempt   int           `json:"attempt"`
	Took      time.Duration `json:"took"`
	Err       error         `json:"-"`
}

func (r Result) Failed() bool { return r.Status == StatusTransient || r.Status == StatusPermanent }

// Delivery converts r into the persisted per-channel flags.
func (r Result) Delivery() alert.Delivery {
	return alert.Delivery{
		Attempted: true,
		Succeeded: r.Status == StatusSuccess,
		Failed:    r.Failed(),
	}
}

func (r Result) String() string {
	s := fmt.Sprintf("%s:%s", r.Channel, r.Status)
	if r.Delivered > 0 || r.Pruned > 0 {
		s += fmt.Sprintf(" (%d delivered / %d pruned)", r.Delivered, r.Pruned)
	}
	if r.Err != nil {
		s += ": " + r.Err.Error()
	}
	return s
}

func Success() Result { return Result{Status: StatusSuccess} }

// Fail classifies err into a transient or permanent failure result.
func Fail(err error) Result {
	return Result{Status: Classify(err), Err: err}
}

// Recipient is the contact data a sender needs.
type Recipient struct {
	UserID         string `json:"user_id"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
}

// Sender delivers an alert over one channel. Rendering the alert for the
// channel is the sender's job.
type Sender interface {
	Channel() alert.Channel
	// Reachable reports whether the recipient has what this channel needs
	// (an address, a phone number, a live connection).
	Reachable(to Recipient) bool
	Send(ctx context.Context, to Recipient, rec alert.Record) Result
}

// AlertSink marks senders that deliver once per alert (operations feeds)
// rather than once per recipient.
type AlertSink interface {
	Sender
	AlertSink()
}

// ChannelOptions tune one registered channel.
type ChannelOptions struct {
	// RatePerSec caps sends per second on this channel; 0 means unlimited.
	RatePerSec float64
	// MinSeverity filters out alerts below it; empty means all.
	MinSeverity alert.Severity
}

// Config controls dispatch and the retry sweep.
type Config struct {
	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	QueueSize     int
	Workers       int
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	return c
}

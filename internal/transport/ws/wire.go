package ws

import (
	"encoding/json"
	"strings"
	"time"

	"agrialert/internal/alert"
)

// Message types on the push wire.
const (
	TypeAlert                 = "alert"
	TypeNotification          = "notification"
	TypeSystemMessage         = "system_message"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeSubscribe             = "subscribe"
	TypeSubscriptionConfirmed = "subscription_confirmed"
)

type dataEnvelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

type textEnvelope struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type topicsEnvelope struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

type control struct {
	Type string `json:"type"`
}

// inbound is what clients may send.
type inbound struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// AlertMessage encodes rec as an "alert" message.
func AlertMessage(rec alert.Record, now time.Time) ([]byte, error) {
	return json.Marshal(dataEnvelope{Type: TypeAlert, Data: rec, Timestamp: stamp(now)})
}

// NotificationMessage encodes an arbitrary per-user payload.
func NotificationMessage(data any, now time.Time) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(dataEnvelope{Type: TypeNotification, Data: data, Timestamp: stamp(now)})
}

// SystemMessage encodes a broadcast text.
func SystemMessage(msg string, now time.Time) ([]byte, error) {
	return json.Marshal(textEnvelope{Type: TypeSystemMessage, Message: msg, Timestamp: stamp(now)})
}

// reply answers a client control message. ok is false for anything that
// needs no answer, including malformed input. topics reports a subscription
// change.
func reply(raw []byte) (out []byte, topics []string, ok bool) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, nil, false
	}
	switch strings.ToLower(in.Type) {
	case TypePing:
		b, _ := json.Marshal(control{Type: TypePong})
		return b, nil, true
	case TypeSubscribe:
		topics = cleanTopics(in.Topics)
		b, _ := json.Marshal(topicsEnvelope{Type: TypeSubscriptionConfirmed, Topics: topics})
		return b, topics, true
	}
	return nil, nil, false
}

func cleanTopics(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

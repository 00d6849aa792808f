package alert

import (
	"fmt"
	"strings"
	"time"
)

// DefaultExpiry is applied when a Spec leaves ExpiresAt unset.
const DefaultExpiry = 24 * time.Hour

// Type is the closed set of alert categories. Every switch over Type must
// list all variants; adding one is a compile-and-review change.
type Type string

const (
	TypeWeather   Type = "weather"
	TypePrice     Type = "price"
	TypeYield     Type = "yield"
	TypeDrought   Type = "drought"
	TypeFlood     Type = "flood"
	TypePest      Type = "pest"
	TypeMarket    Type = "market"
	TypeTechnical Type = "technical"
	TypeSystem    Type = "system"
)

// Types lists every variant in display order.
var Types = []Type{TypeWeather, TypePrice, TypeYield, TypeDrought, TypeFlood, TypePest, TypeMarket, TypeTechnical, TypeSystem}

func (t Type) Valid() bool {
	switch t {
	case TypeWeather, TypePrice, TypeYield, TypeDrought, TypeFlood, TypePest, TypeMarket, TypeTechnical, TypeSystem:
		return true
	}
	return false
}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown alert type %q", s)}
	}
	return t, nil
}

// Severity is ordered: info < warning < critical < emergency.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

func (s Severity) Valid() bool { return s.Rank() > 0 }

// Rank returns 1..4 for known severities and 0 otherwise.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	case SeverityEmergency:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as min. An empty min matches everything.
func (s Severity) AtLeast(min Severity) bool {
	if min == "" {
		return true
	}
	return s.Rank() >= min.Rank()
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", s)}
	}
	return sev, nil
}

// Scope narrows an alert's audience. Empty fields do not narrow.
type Scope struct {
	Country string `json:"country,omitempty"`
	Crop    string `json:"crop,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

func (s Scope) IsZero() bool { return s.Country == "" && s.Crop == "" && s.UserID == "" }

// Key is a stable textual form used for suppression keys and metric lookups.
func (s Scope) Key() string {
	if s.IsZero() {
		return "*"
	}
	parts := make([]string, 0, 3)
	for _, kv := range [][2]string{{"country", s.Country}, {"crop", s.Crop}, {"user", s.UserID}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, ",")
}

// Channel names a delivery transport.
type Channel string

const (
	ChannelWebsocket Channel = "websocket"
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelTelegram  Channel = "telegram"
	ChannelWebhook   Channel = "webhook"
)

// Delivery holds the per-channel flags of one alert. Flags only ever go from
// false to true; an alert delivered to many users accumulates them.
type Delivery struct {
	Attempted bool `json:"attempted"`
	Succeeded bool `json:"succeeded"`
	Failed    bool `json:"failed"`
}

func (d Delivery) Merge(o Delivery) Delivery {
	return Delivery{
		Attempted: d.Attempted || o.Attempted,
		Succeeded: d.Succeeded || o.Succeeded,
		Failed:    d.Failed || o.Failed,
	}
}

// Spec is the input of alert creation.
type Spec struct {
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Type     Type           `json:"type"`
	Severity Severity       `json:"severity"`
	Scope    Scope          `json:"scope"`
	Data     map[string]any `json:"data,omitempty"`
	// ExpiresAt is optional; zero means created_at + DefaultExpiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Validate checks an alert Spec against the creation rules. now is used to reject
// an explicit expiry that is not in the future.
func (s Spec) Validate(now time.Time) error {
	if strings.TrimSpace(s.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if strings.TrimSpace(s.Message) == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if !s.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", s.Severity)}
	}
	if s.Type != "" && !s.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown alert type %q", s.Type)}
	}
	if !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now) {
		return &ValidationError{Field: "expires_at", Reason: "must be later than creation time"}
	}
	return nil
}

// Record is a persisted alert.
type Record struct {
	ID         string               `json:"id"`
	Title      string               `json:"title"`
	Message    string               `json:"message"`
	Type       Type                 `json:"alert_type"`
	Severity   Severity             `json:"severity"`
	Scope      Scope                `json:"scope"`
	Data       map[string]any       `json:"data,omitempty"`
	Deliveries map[Channel]Delivery `json:"deliveries,omitempty"`
	IsActive   bool                 `json:"is_active"`
	IsRead     bool                 `json:"is_read"`
	CreatedAt  time.Time            `json:"created_at"`
	ExpiresAt  time.Time            `json:"expires_at"`
}

// NewRecord builds the record for spec. It does not validate.
func NewRecord(id string, spec Spec, now time.Time) Record {
	typ := spec.Type
	if typ == "" {
		typ = TypeSystem
	}
	exp := spec.ExpiresAt
	if exp.IsZero() {
		exp = now.Add(DefaultExpiry)
	}
	return Record{
		ID:        id,
		Title:     strings.TrimSpace(spec.Title),
		Message:   strings.TrimSpace(spec.Message),
		Type:      typ,
		Severity:  spec.Severity,
		Scope:     spec.Scope,
		Data:      spec.Data,
		IsActive:  true,
		CreatedAt: now,
		ExpiresAt: exp,
	}
}

// Expired reports whether the record is past its expiry at now. It is
// independent of IsActive and IsRead.
func (r Record) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }

package realtime

import (
	"strings"
	"time"
)

// Message is the wire envelope written to every transport.
//
//	{"type":"agent_started","data":{...},"timestamp":"2025-01-02T15:04:05.123456789Z","critical":true}
//
// Timestamp marshals as RFC 3339 with nanoseconds. Critical is omitted
// unless the message came from EmitCriticalEvent.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Critical  bool      `json:"critical,omitempty"`
}

// NewMessage builds an advisory message stamped with the current time.
func NewMessage(eventType string, data any) Message {
	return Message{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

func (m Message) validate() error {
	if strings.TrimSpace(m.Type) == "" {
		return ErrMalformedEnvelope
	}
	return nil
}

// stamped fills in a missing timestamp.
func (m Message) stamped(now time.Time) Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = now.UTC()
	}
	return m
}

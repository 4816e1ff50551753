package domain

import (
	"strings"
	"time"
)

// Inbound is one user message delivered by a transport.
type Inbound struct {
	SenderID   string
	Text       string
	LocaleHint string
	// MessageID is the transport's message identifier, used to drop
	// redelivered webhooks. It may be empty.
	MessageID string
}

// Outbound is one text message to deliver back to the sender.
type Outbound struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// FieldValue is one collected value in form order.
type FieldValue struct {
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// Submission is a completed form handed to the forwarding collaborator.
type Submission struct {
	SessionID   string       `json:"session_id"`
	FormID      string       `json:"form"`
	Language    string       `json:"language"`
	Values      []FieldValue `json:"values"`
	CompletedAt time.Time    `json:"completed_at"`
}

// SessionID derives the session identifier from a sender address such as
// "whatsapp:+491701234567". The scheme, whitespace and a leading plus are
// dropped so Twilio and Meta senders of one number share a session.
func SessionID(sender string) string {
	id := strings.TrimSpace(sender)
	if i := strings.Index(id, ":"); i >= 0 {
		id = id[i+1:]
	}
	return strings.TrimPrefix(strings.Join(strings.Fields(id), ""), "+")
}

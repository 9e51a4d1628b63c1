// Package message holds the Message lifecycle model and its persistence.
// The messages table is the single source of truth for delivery state; all
// status changes go through the conditional-update contract so concurrent
// workers and webhook events can never regress a terminal status.
package message

import (
	"time"

	"github.com/mailhop/mailhop/internal/structure"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusBounced    Status = "bounced"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
)

// transitions lists the allowed predecessor states per target state. The
// machine is monotonic forward-only; a state absent here is unreachable.
var transitions = map[Status][]Status{
	StatusSent:       {StatusQueued},
	StatusSuppressed: {StatusQueued},
	StatusFailed:     {StatusQueued, StatusSent},
	// A delivery or bounce webhook may race the worker's own sent update,
	// so both accept queued as a predecessor.
	StatusDelivered: {StatusQueued, StatusSent},
	StatusBounced:   {StatusQueued, StatusSent},
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusBounced, StatusFailed, StatusSuppressed:
		return true
	}
	return false
}

// AllowedPredecessors returns the states from which target may be entered.
func AllowedPredecessors(target Status) []Status {
	return transitions[target]
}

// CanTransition reports whether from -> to is a legal forward transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Message is one tracked send attempt.
type Message struct {
	ID                string          `json:"id"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Recipients        []string        `json:"recipients"`
	Sender            string          `json:"sender"`
	TemplateKey       string          `json:"template_key"`
	Locale            string          `json:"locale"`
	Variables         structure.Value `json:"variables"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	WebhookURL        string          `json:"webhook_url,omitempty"`
	Status            Status          `json:"status"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"last_error,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

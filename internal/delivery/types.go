package delivery

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrEmptyInput rejects sends whose text is empty after trimming.
	ErrEmptyInput = errors.New("delivery: empty message")

	// ErrAllEndpointsUnavailable means every candidate endpoint exhausted its
	// retry budget. Send absorbs it into an offline reply; Redeliver returns
	// it to the caller.
	ErrAllEndpointsUnavailable = errors.New("delivery: all endpoints unavailable")
)

// Options is the delivery policy.
type Options struct {
	// Endpoints are candidate URLs tried in order. At least one is required.
	Endpoints []string

	// RetryBudget is the number of attempts per endpoint before advancing to
	// the next candidate. Defaults to 2, capped at 5.
	RetryBudget int

	// AttemptTimeout bounds a single POST including the response body.
	// A fired timeout counts like any other failed attempt. Default 6s.
	AttemptTimeout time.Duration

	// RetryBackoff is the fixed pause between attempts on the same endpoint.
	// There is no pause when moving to the next candidate. Default 400ms.
	RetryBackoff time.Duration

	// ClientMeta is merged into every outgoing payload as extra string
	// fields. The reserved keys "message" and "conversation_id" are dropped.
	ClientMeta map[string]string
}

func (o Options) withDefaults() Options {
	if o.RetryBudget <= 0 {
		o.RetryBudget = 2
	}
	if o.RetryBudget > maxRetryBudget {
		o.RetryBudget = maxRetryBudget
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 6 * time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 400 * time.Millisecond
	}
	return o
}

const maxRetryBudget = 5

// Reply is a normalized answer to a sent message.
type Reply struct {
	Text string

	// ConversationID is the conversation the reply belongs to: the id the
	// server handed back, or the one the message was sent under.
	ConversationID string

	// Endpoint is the URL that produced the reply; "" for offline replies.
	Endpoint string

	// Offline marks replies synthesized locally after total endpoint
	// failure.
	Offline bool

	// ModelInfo and ModelsUsed are passed through from the server untouched.
	// Either may be nil.
	ModelInfo  json.RawMessage
	ModelsUsed json.RawMessage
}

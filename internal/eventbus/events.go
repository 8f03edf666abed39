package eventbus

// Event types published by the relay. Payload structs live next to the
// constants so subscribers can type-assert Event.Data.
const (
	TypeDeliveryAttempt = "delivery.attempt"
	TypeDeliverySuccess = "delivery.success"
	TypeDeliveryOffline = "delivery.offline"

	TypeEndpointPromoted = "endpoint.promoted"
	TypeSessionRotated   = "session.rotated"

	TypeOutboxFlushed = "outbox.flushed"
)

// DeliveryAttempt is published for each failed network attempt,
// retries included. Successful sends publish DeliverySuccess instead.
type DeliveryAttempt struct {
	Endpoint string
	Attempt  int // 1-based attempt number on this endpoint
	Err      string
}

// DeliverySuccess is published once per successful send.
type DeliverySuccess struct {
	Endpoint       string
	ConversationID string
	Attempts       int // total attempts across all endpoints
}

// DeliveryOffline is published when every candidate was exhausted and the
// offline reply was synthesized.
type DeliveryOffline struct {
	ConversationID string
	Attempts       int
	Persisted      bool
}

type EndpointPromoted struct {
	Endpoint string
}

type SessionRotated struct {
	OldID string
	NewID string
}

// OutboxFlushed is published after a redelivery round.
type OutboxFlushed struct {
	Delivered int
	Remaining int
}

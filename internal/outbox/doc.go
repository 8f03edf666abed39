// Package outbox redelivers the offline message backlog.
//
// Messages that could not reach any relay endpoint are persisted by the
// delivery client. On a configurable schedule the outbox walks that backlog
// per conversation, pushes each message back through the delivery path
// (marked as a replay), and prunes what got through. Redelivery is
// rate-limited so recovery never floods an endpoint that only just came
// back.
//
// The outbox holds no retry state of its own: a message that still fails
// simply stays in the log for the next round.
package outbox

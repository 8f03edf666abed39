// Package delivery implements the outbound chat client.
//
// A message travels an ordered list of relay endpoint candidates. Each
// endpoint gets a small fixed number of attempts with a short pause between
// them; once the budget is spent the client advances to the next candidate
// without pausing. Whichever endpoint answers is promoted to the front of
// the order for subsequent sends and remembered across restarts.
//
// # Offline fallback
//
// When every candidate is exhausted, the message is appended to the
// per-conversation offline log and the caller receives a synthesized reply
// instead of an error. The outbox drains that log once an endpoint comes
// back.
//
// # Replies
//
// Relay backends disagree on the name of the reply field, so the client
// probes a fixed priority list (response, message, text, content, answer).
// A reply may also carry a replacement conversation id, which rotates the
// active session, and opaque model metadata that is passed through
// untouched.
package delivery

package storage

// Package storage provides a minimal persistence layer used by the relay.
//
// It currently holds:
//   - The per-conversation offline message log (append-only)
//   - The preferred endpoint (last endpoint that accepted a delivery)
//   - The conversation session record

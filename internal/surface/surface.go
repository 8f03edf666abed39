// Package surface defines the contract between user-facing frontends and
// the delivery core.
//
// A surface turns user input into SendRequested calls and renders the
// replies it gets back. It never sees endpoints, retries, or storage; the
// capability set in Events is all it gets.
package surface

import (
	"context"

	"chatrelay/internal/delivery"
)

// Events are the capabilities handed to a surface on Start.
type Events struct {
	// SendRequested delivers one user message and returns the reply to
	// render. Required.
	SendRequested func(ctx context.Context, text string) (delivery.Reply, error)

	// ResponseReceived, when set, is called by the surface after it has
	// rendered a reply, so the app can observe the transcript without
	// knowing how each surface displays it. Optional.
	ResponseReceived func(reply delivery.Reply)
}

// Surface is a user-facing frontend with its own lifecycle.
type Surface interface {
	Name() string

	// Start begins serving. It must not block; serving happens on goroutines
	// owned by the surface (or the caller's supervisor).
	Start(ctx context.Context, ev Events) error

	// Stop shuts the surface down, honoring ctx for the grace period.
	Stop(ctx context.Context) error
}

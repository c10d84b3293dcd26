// Package connection owns the lifecycle of persistent bot sessions.
//
// A Supervisor drives one Transport through repeated connection attempts:
//
//	Stopped -> Connecting -> Connected -> Disconnected -> Connecting -> ... -> Stopped
//
// Transports only report what happened through Events; reconnect policy,
// dedup, alerting and handler isolation live here.
package connection

import (
	"context"

	"imgateway/internal/im"
)

// Transport is one persistent provider session.
type Transport interface {
	Provider() im.Provider

	// Run performs one connection attempt and blocks until that session
	// ends or ctx is canceled. Credential failures are returned as
	// *im.AuthenticationError. Run may be called again after it returns
	// (and after Close) to start a fresh attempt.
	Run(ctx context.Context, ev Events) error

	// Send delivers a direct message to userID over the live session and
	// returns the platform message id.
	Send(ctx context.Context, userID, text string) (string, error)

	// Close interrupts the current Run.
	Close() error

	// Extras are provider-specific status fields (guild count, bot user).
	Extras() map[string]any
}

// Events is how a transport reports session activity. Implementations are
// safe for concurrent use and never block for long.
type Events interface {
	Connected()
	Resumed()
	Disconnected(err error)
	Message(msg im.InboundMessage)
	Error(err error)
}

package types

import "github.com/pkg/errors"

// Error kinds surfaced by the session layer. Callers match them with
// errors.Is; annotations added along the way keep the original detail.
var (
	// ErrConnectionFailure covers auth rejection, unreachable hosts,
	// handshake failures and request timeouts.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrChannelNotOpen means an operation ran before a successful open
	// and auto-open could not recover.
	ErrChannelNotOpen = errors.New("channel not open")

	// ErrOperationRejected means a second open or transfer was attempted
	// while one is in flight, or an argument failed call-site validation.
	ErrOperationRejected = errors.New("operation rejected")

	// ErrUnsupportedOperation means the remote platform lacks the
	// capability (e.g. chmod).
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrRemote is a protocol-level failure reported by the remote:
	// not-found, permission-denied and the like.
	ErrRemote = errors.New("remote error")

	// ErrCancelled marks a transfer stopped on caller request. Not a
	// failure; transfers resolve with a cancelled outcome instead.
	ErrCancelled = errors.New("cancelled")

	// ErrConnectionClosed rejects waiters whose connection was torn down
	// before their notification arrived.
	ErrConnectionClosed = errors.New("connection closed")
)

package fanout

import "errors"

var (
	// ErrNotMember rejects an event from a user outside the target chat.
	ErrNotMember = errors.New("not a member of this chat")

	// ErrStoreUnavailable wraps durable store and membership failures. The
	// sender may retry; the dedup token keeps retries idempotent.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrClosed is returned once the sequencer has been closed.
	ErrClosed = errors.New("fanout: closed")

	errPanicked = errors.New("fanout: task panicked")
)

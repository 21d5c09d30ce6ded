// Package typing keeps short-lived per-chat typing flags in memory.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/windi/messenger/internal/metrics"
)

// Emitter receives the stop indicators produced by expiry and forced expiry.
// It is called with the tracker lock held and must not block or call back
// into the Tracker.
type Emitter interface {
	PublishTyping(chatID, userID int64, isTyping bool)
}

// Tracker holds typing entries keyed by user then chat. An entry that ends
// by expiry or disconnect produces exactly one stop emission.
type Tracker struct {
	ttl     time.Duration
	emitter Emitter
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[int64]map[int64]time.Time // user -> chat -> expiry
}

// NewTracker creates a Tracker whose entries live for ttl after the last
// typing signal.
func NewTracker(ttl time.Duration, emitter Emitter, log zerolog.Logger) *Tracker {
	return &Tracker{
		ttl:     ttl,
		emitter: emitter,
		log:     log.With().Str("component", "typing").Logger(),
		now:     time.Now,
		entries: make(map[int64]map[int64]time.Time),
	}
}

// SetTyping starts or refreshes (isTyping) or stops the user's typing entry
// for the chat. It does not emit: the caller sends the indicator itself so
// that it is ordered with the chat's other events. Expiry of an entry that
// SetTyping stopped emits nothing.
func (t *Tracker) SetTyping(chatID, userID int64, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if isTyping {
		chats, ok := t.entries[userID]
		if !ok {
			chats = make(map[int64]time.Time)
			t.entries[userID] = chats
		}
		chats[chatID] = t.now().Add(t.ttl)
		return
	}
	t.removeLocked(chatID, userID)
}

func (t *Tracker) removeLocked(chatID, userID int64) {
	chats, ok := t.entries[userID]
	if !ok {
		return
	}
	delete(chats, chatID)
	if len(chats) == 0 {
		delete(t.entries, userID)
	}
}

// IsTyping reports whether an unexpired entry exists.
func (t *Tracker) IsTyping(chatID, userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.entries[userID][chatID]
	return ok && t.now().Before(exp)
}

// ExpireUser stops every entry the user holds, across all chats. connected
// is checked under the tracker lock; when it reports a live connection the
// user came back before the expiry ran and nothing is stopped.
func (t *Tracker) ExpireUser(userID int64, connected func() bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	chats, ok := t.entries[userID]
	if !ok {
		return
	}
	if connected != nil && connected() {
		t.log.Debug().Int64("user_id", userID).Msg("user reconnected, keeping typing entries")
		return
	}
	delete(t.entries, userID)
	for chatID := range chats {
		metrics.TypingExpirations.Inc()
		t.emitter.PublishTyping(chatID, userID, false)
	}
}

// Run sweeps expired entries every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.sweep(); n > 0 {
				t.log.Debug().Int("expired", n).Msg("typing sweep")
			}
		}
	}
}

func (t *Tracker) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	expired := 0
	for userID, chats := range t.entries {
		for chatID, exp := range chats {
			if now.Before(exp) {
				continue
			}
			delete(chats, chatID)
			expired++
			metrics.TypingExpirations.Inc()
			t.emitter.PublishTyping(chatID, userID, false)
		}
		if len(chats) == 0 {
			delete(t.entries, userID)
		}
	}
	return expired
}

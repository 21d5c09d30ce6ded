// Package presence derives online/offline status from registry occupancy.
// A user is online while they hold at least one connection; going offline is
// delayed by a grace window so a quick reconnect does not flap.
package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/windi/messenger/internal/metrics"
)

// Publisher receives presence transitions in the order they happened.
type Publisher interface {
	PublishStatus(ctx context.Context, userID int64, online bool)
}

type transition struct {
	userID int64
	online bool
}

type userState struct {
	count     int
	published bool   // last status handed to publishers
	gen       uint64 // bumped to invalidate a pending offline timer
	timer     *time.Timer
}

// Tracker implements registry.Listener.
type Tracker struct {
	grace time.Duration
	log   zerolog.Logger

	mu         sync.Mutex
	users      map[int64]*userState
	pending    []transition
	publishers []Publisher

	wake chan struct{}
}

// NewTracker creates a Tracker with the given offline grace window.
func NewTracker(grace time.Duration, log zerolog.Logger) *Tracker {
	return &Tracker{
		grace: grace,
		log:   log.With().Str("component", "presence").Logger(),
		users: make(map[int64]*userState),
		wake:  make(chan struct{}, 1),
	}
}

// AddPublisher registers p for all future transitions.
func (t *Tracker) AddPublisher(p Publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishers = append(t.publishers, p)
}

// ConnectionsChanged records the user's current connection count.
func (t *Tracker) ConnectionsChanged(userID int64, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.users[userID]
	if !ok {
		st = &userState{}
		t.users[userID] = st
	}
	st.count = count

	if count > 0 {
		st.gen++
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		if !st.published {
			st.published = true
			t.enqueueLocked(userID, true)
		}
		return
	}

	if !st.published {
		delete(t.users, userID)
		return
	}
	if t.grace <= 0 {
		t.goOfflineLocked(userID)
		return
	}
	if st.timer != nil {
		return
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(t.grace, func() { t.expire(userID, gen) })
}

func (t *Tracker) expire(userID int64, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.users[userID]
	if !ok || st.gen != gen || st.count > 0 {
		return
	}
	t.goOfflineLocked(userID)
}

func (t *Tracker) goOfflineLocked(userID int64) {
	delete(t.users, userID)
	t.enqueueLocked(userID, false)
}

func (t *Tracker) enqueueLocked(userID int64, online bool) {
	t.pending = append(t.pending, transition{userID: userID, online: online})
	if online {
		metrics.OnlineUsers.Inc()
	} else {
		metrics.OnlineUsers.Dec()
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// IsOnline reports the user's published status.
func (t *Tracker) IsOnline(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	return ok && st.published
}

// OnlineUsers returns the ids of users currently published as online, sorted.
func (t *Tracker) OnlineUsers() []int64 {
	t.mu.Lock()
	ids := make([]int64, 0, len(t.users))
	for id, st := range t.users {
		if st.published {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Run hands queued transitions to publishers until ctx is done. Publishers
// are called outside the tracker lock.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.stopTimers()
			return
		case <-t.wake:
		}

		for {
			t.mu.Lock()
			batch := t.pending
			t.pending = nil
			pubs := slices.Clone(t.publishers)
			t.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			for _, tr := range batch {
				t.log.Debug().Int64("user_id", tr.userID).Bool("online", tr.online).Msg("presence changed")
				for _, p := range pubs {
					p.PublishStatus(ctx, tr.userID, tr.online)
				}
			}
		}
	}
}

func (t *Tracker) stopTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.users {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}

// Package registry maps user ids to their live connections. A user may hold
// several connections at once; each one gets a bounded send queue and its own
// writer goroutine.
package registry

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/windi/messenger/internal/metrics"
)

// ErrCapacityExceeded is returned by Register under the Reject policy when the
// user already holds MaxPerUser connections.
var ErrCapacityExceeded = errors.New("registry: per-user connection cap exceeded")

// CapPolicy decides what Register does when a user is at the cap.
type CapPolicy int

const (
	// EvictOldest closes the user's oldest connection (first registered)
	// after sending it Config.EvictionNotice.
	EvictOldest CapPolicy = iota
	// Reject refuses the new connection with ErrCapacityExceeded.
	Reject
)

// Listener observes per-user connection counts. It is called with the user's
// lock held, so counts for one user arrive in order; it must not call back
// into the Registry.
type Listener interface {
	ConnectionsChanged(userID int64, count int)
}

// Config holds registry limits.
type Config struct {
	MaxPerUser     int
	QueueSize      int
	Policy         CapPolicy
	EvictionNotice []byte
}

// DefaultConfig returns the default registry limits.
func DefaultConfig() Config {
	return Config{
		MaxPerUser: 8,
		QueueSize:  64,
		Policy:     EvictOldest,
	}
}

type userConns struct {
	mu      sync.Mutex
	handles []*Handle // registration order, oldest first
	dead    bool      // removed from Registry.users; callers must retry
}

// Registry is the connection registry. The zero value is not usable; create
// one with New.
type Registry struct {
	cfg      Config
	log      zerolog.Logger
	listener Listener

	mu    sync.Mutex
	users map[int64]*userConns
}

// New creates a Registry. listener may be nil.
func New(cfg Config, listener Listener, log zerolog.Logger) *Registry {
	if cfg.MaxPerUser < 1 {
		cfg.MaxPerUser = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Registry{
		cfg:      cfg,
		log:      log.With().Str("component", "registry").Logger(),
		listener: listener,
		users:    make(map[int64]*userConns),
	}
}

func (r *Registry) userFor(userID int64) *userConns {
	r.mu.Lock()
	defer r.mu.Unlock()

	uc, ok := r.users[userID]
	if !ok {
		uc = &userConns{}
		r.users[userID] = uc
	}
	return uc
}

// Register adds conn under userID and starts its writer.
func (r *Registry) Register(userID int64, conn Conn) (*Handle, error) {
	for {
		uc := r.userFor(userID)
		uc.mu.Lock()
		if uc.dead {
			uc.mu.Unlock()
			continue
		}

		if len(uc.handles) >= r.cfg.MaxPerUser {
			if r.cfg.Policy == Reject {
				uc.mu.Unlock()
				return nil, ErrCapacityExceeded
			}
			n := len(uc.handles) - r.cfg.MaxPerUser + 1
			for _, old := range uc.handles[:n] {
				r.log.Info().Int64("user_id", userID).Str("conn_id", old.ID).Msg("evicting oldest connection")
				old.evict(r.cfg.EvictionNotice)
				metrics.ActiveConnections.Dec()
			}
			uc.handles = slices.Clone(uc.handles[n:])
		}

		h := newHandle(uuid.NewString(), userID, conn, r.cfg.QueueSize, r.log)
		uc.handles = append(uc.handles, h)
		metrics.ActiveConnections.Inc()
		if r.listener != nil {
			r.listener.ConnectionsChanged(userID, len(uc.handles))
		}
		uc.mu.Unlock()
		return h, nil
	}
}

// Unregister removes h and closes it. Removing an absent handle is a no-op.
// It reports whether h was removed and how many connections the user has left.
func (r *Registry) Unregister(h *Handle) (removed bool, remaining int) {
	h.close(false)

	r.mu.Lock()
	uc := r.users[h.UserID]
	r.mu.Unlock()
	if uc == nil {
		return false, 0
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()

	idx := slices.Index(uc.handles, h)
	if idx < 0 {
		return false, len(uc.handles)
	}
	uc.handles = slices.Delete(slices.Clone(uc.handles), idx, idx+1)
	metrics.ActiveConnections.Dec()

	remaining = len(uc.handles)
	if remaining == 0 {
		r.mu.Lock()
		if r.users[h.UserID] == uc {
			delete(r.users, h.UserID)
		}
		r.mu.Unlock()
		uc.dead = true
	}
	if r.listener != nil {
		r.listener.ConnectionsChanged(h.UserID, remaining)
	}
	return true, remaining
}

// ConnectionsFor returns a point-in-time snapshot of the user's handles.
func (r *Registry) ConnectionsFor(userID int64) []*Handle {
	r.mu.Lock()
	uc := r.users[userID]
	r.mu.Unlock()
	if uc == nil {
		return nil
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	return slices.Clone(uc.handles)
}

// Send pushes one frame to one connection.
func (r *Registry) Send(h *Handle, frame []byte) Outcome {
	out := h.Send(frame)
	metrics.Deliveries.WithLabelValues(out.String()).Inc()
	return out
}

// UserCount returns the number of users with at least one connection.
func (r *Registry) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Close gracefully closes every connection. Handles stay registered until
// their transports unregister them.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*userConns, 0, len(r.users))
	for _, uc := range r.users {
		all = append(all, uc)
	}
	r.mu.Unlock()

	for _, uc := range all {
		uc.mu.Lock()
		for _, h := range uc.handles {
			h.close(true)
		}
		uc.mu.Unlock()
	}
}

package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Conn is the transport side of a handle. WriteMessage is only ever called
// from the handle's writer goroutine.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Outcome is the result of a single Send.
type Outcome int

const (
	Delivered Outcome = iota
	Stale
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "stale"
}

// Handle is one live connection owned by the Registry. Frames pushed with
// Send are written in order by a dedicated writer goroutine.
type Handle struct {
	ID        string
	UserID    int64
	CreatedAt time.Time

	conn      Conn
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	graceful  atomic.Bool
	stale     atomic.Bool
	log       zerolog.Logger
}

func newHandle(id string, userID int64, conn Conn, queueSize int, log zerolog.Logger) *Handle {
	h := &Handle{
		ID:        id,
		UserID:    userID,
		CreatedAt: time.Now(),
		conn:      conn,
		queue:     make(chan []byte, queueSize),
		done:      make(chan struct{}),
		log:       log.With().Str("conn_id", id).Int64("user_id", userID).Logger(),
	}
	go h.writeLoop()
	return h
}

// Send enqueues frame without blocking. A full queue marks the handle stale
// and closes it so a slow client never holds up fanout to others.
func (h *Handle) Send(frame []byte) Outcome {
	if h.stale.Load() {
		return Stale
	}
	select {
	case h.queue <- frame:
		return Delivered
	default:
		h.log.Warn().Int("queue", cap(h.queue)).Msg("send queue full, dropping connection")
		h.close(false)
		return Stale
	}
}

// IsStale reports whether the handle is closing or closed.
func (h *Handle) IsStale() bool { return h.stale.Load() }

// Done is closed once the handle starts shutting down.
func (h *Handle) Done() <-chan struct{} { return h.done }

// close stops the writer. A graceful close flushes already queued frames
// before the transport is closed.
func (h *Handle) close(graceful bool) {
	h.closeOnce.Do(func() {
		h.graceful.Store(graceful)
		h.stale.Store(true)
		close(h.done)
	})
}

// evict queues notice as the last frame and closes gracefully.
func (h *Handle) evict(notice []byte) {
	if notice != nil && !h.stale.Load() {
		select {
		case h.queue <- notice:
		default:
		}
	}
	h.close(true)
}

func (h *Handle) writeLoop() {
	defer func() {
		if err := h.conn.Close(); err != nil {
			h.log.Debug().Err(err).Msg("close transport")
		}
	}()

	for {
		select {
		case frame := <-h.queue:
			if err := h.conn.WriteMessage(frame); err != nil {
				h.log.Debug().Err(err).Msg("write failed")
				h.stale.Store(true)
				return
			}
		case <-h.done:
			if h.graceful.Load() {
				h.flush()
			}
			return
		}
	}
}

func (h *Handle) flush() {
	for {
		select {
		case frame := <-h.queue:
			if err := h.conn.WriteMessage(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

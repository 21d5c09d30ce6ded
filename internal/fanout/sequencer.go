package fanout

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/windi/messenger/internal/metrics"
)

// Sequencer runs tasks one at a time per chat. Each chat gets a lane drained
// by its own goroutine; the lane is created on first use and removed as soon
// as its queue is empty. Different chats run in parallel.
type Sequencer struct {
	log zerolog.Logger

	mu     sync.Mutex
	lanes  map[int64]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	tasks []func()
}

// NewSequencer creates an empty Sequencer.
func NewSequencer(log zerolog.Logger) *Sequencer {
	return &Sequencer{
		log:   log.With().Str("component", "sequencer").Logger(),
		lanes: make(map[int64]*lane),
	}
}

// Submit queues fn on chatID's lane and returns without waiting. It is safe
// to call from inside a running task. It returns false after Close.
func (s *Sequencer) Submit(chatID int64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	l, ok := s.lanes[chatID]
	if !ok {
		l = &lane{}
		s.lanes[chatID] = l
		s.wg.Add(1)
		metrics.SequencerLanes.Inc()
		go s.drain(chatID, l)
	}
	l.tasks = append(l.tasks, fn)
	return true
}

// Do runs fn on chatID's lane and waits for its result. If ctx is done first
// Do returns ctx.Err(), but fn still runs to completion on the lane. fn must
// not call Do for the same chat.
func (s *Sequencer) Do(ctx context.Context, chatID int64, fn func() error) error {
	done := make(chan error, 1)
	ok := s.Submit(chatID, func() {
		err := errPanicked
		defer func() { done <- err }()
		err = fn()
	})
	if !ok {
		return ErrClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequencer) drain(chatID int64, l *lane) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(l.tasks) == 0 {
			delete(s.lanes, chatID)
			metrics.SequencerLanes.Dec()
			s.mu.Unlock()
			return
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		s.mu.Unlock()

		s.run(chatID, fn)
	}
}

func (s *Sequencer) run(chatID int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Int64("chat_id", chatID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("task panicked")
		}
	}()
	fn()
}

// Lanes returns the number of lanes with pending or running work.
func (s *Sequencer) Lanes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Close stops accepting tasks and waits for queued ones to finish or for ctx
// to be done.
func (s *Sequencer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

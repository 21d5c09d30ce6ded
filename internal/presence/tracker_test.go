package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishStatus(_ context.Context, userID int64, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := "offline"
	if online {
		status = "online"
	}
	p.events = append(p.events, fmt.Sprintf("%d:%s", userID, status))
}

func (p *recordingPublisher) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func startTracker(t *testing.T, grace time.Duration) (*Tracker, *recordingPublisher) {
	t.Helper()
	tr := NewTracker(grace, zerolog.Nop())
	pub := &recordingPublisher{}
	tr.AddPublisher(pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tr, pub
}

func TestTracker_OnlineOnFirstConnection(t *testing.T) {
	tr, pub := startTracker(t, 50*time.Millisecond)

	tr.ConnectionsChanged(1, 1)
	tr.ConnectionsChanged(1, 2)
	tr.ConnectionsChanged(1, 3)

	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"1:online"}, pub.Events())
	require.True(t, tr.IsOnline(1))
}

func TestTracker_OfflineAfterGrace(t *testing.T) {
	tr, pub := startTracker(t, 30*time.Millisecond)

	tr.ConnectionsChanged(1, 1)
	tr.ConnectionsChanged(1, 0)

	// Still online during the grace window.
	require.True(t, tr.IsOnline(1))

	require.Eventually(t, func() bool { return len(pub.Events()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"1:online", "1:offline"}, pub.Events())
	require.False(t, tr.IsOnline(1))
}

func TestTracker_ReconnectWithinGraceDoesNotFlap(t *testing.T) {
	tr, pub := startTracker(t, 80*time.Millisecond)

	tr.ConnectionsChanged(1, 1)
	tr.ConnectionsChanged(1, 0)
	time.Sleep(20 * time.Millisecond)
	tr.ConnectionsChanged(1, 1)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, []string{"1:online"}, pub.Events())
	require.True(t, tr.IsOnline(1))
}

func TestTracker_ZeroGraceIsImmediate(t *testing.T) {
	tr, pub := startTracker(t, 0)

	tr.ConnectionsChanged(2, 1)
	tr.ConnectionsChanged(2, 0)
	tr.ConnectionsChanged(2, 1)

	require.Eventually(t, func() bool { return len(pub.Events()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"2:online", "2:offline", "2:online"}, pub.Events())
}

func TestTracker_OnlineUsers(t *testing.T) {
	tr, _ := startTracker(t, time.Hour)

	tr.ConnectionsChanged(3, 1)
	tr.ConnectionsChanged(1, 2)
	tr.ConnectionsChanged(2, 1)
	tr.ConnectionsChanged(2, 0) // pending offline, still published online

	require.Equal(t, []int64{1, 2, 3}, tr.OnlineUsers())
}

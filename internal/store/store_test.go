package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "messenger.db") + "?_pragma=busy_timeout(5000)"
	s, err := Open(context.Background(), DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, Migrate(s.DB(), DriverSQLite))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_InsertMessageIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Given a first submission
	first, created, err := s.InsertMessageIfAbsent(ctx, 1, 10, "x1", "hi")
	require.NoError(t, err)
	require.True(t, created)
	require.Positive(t, first.ID)
	require.Equal(t, "hi", first.Text)

	// When the same dedup key is submitted again, even with other text
	again, created, err := s.InsertMessageIfAbsent(ctx, 1, 10, "x1", "hi (retry)")
	require.NoError(t, err)

	// Then the existing record comes back and no row is added
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, "hi", again.Text)
	require.Equal(t, first.CreatedAt, again.CreatedAt)

	n, err := s.MessageCount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStore_DedupKeyIsScopedToChatAndSender(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, _, err := s.InsertMessageIfAbsent(ctx, 1, 10, "x1", "a")
	require.NoError(t, err)
	b, created, err := s.InsertMessageIfAbsent(ctx, 1, 11, "x1", "b")
	require.NoError(t, err)
	require.True(t, created)
	c, created, err := s.InsertMessageIfAbsent(ctx, 2, 10, "x1", "c")
	require.NoError(t, err)
	require.True(t, created)

	require.Less(t, a.ID, b.ID)
	require.Less(t, b.ID, c.ID)
}

func TestStore_ConcurrentDuplicatesCreateOneRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[int64]bool{}
		creates int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, created, err := s.InsertMessageIfAbsent(ctx, 1, 10, "retry", "hi")
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[m.ID] = true
			if created {
				creates++
			}
		}()
	}
	wg.Wait()

	require.Len(t, ids, 1)
	require.Equal(t, 1, creates)
}

func TestStore_UpsertReadMarkerIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	steps := []struct {
		seq     int64
		updated bool
		want    int64
	}{
		{5, true, 5},
		{3, false, 5},
		{5, false, 5},
		{9, true, 9},
		{1, false, 9},
	}
	for _, st := range steps {
		t.Run(fmt.Sprintf("seq=%d", st.seq), func(t *testing.T) {
			updated, err := s.UpsertReadMarker(ctx, 1, 10, st.seq)
			require.NoError(t, err)
			require.Equal(t, st.updated, updated)

			rm, err := s.ReadMarker(ctx, 1, 10)
			require.NoError(t, err)
			require.Equal(t, st.want, rm.LastRead)
		})
	}

	other, err := s.ReadMarker(ctx, 1, 11)
	require.NoError(t, err)
	require.Zero(t, other.LastRead)
}

func TestStore_Membership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddMember(ctx, 1, 10))
	require.NoError(t, s.AddMember(ctx, 1, 11))
	require.NoError(t, s.AddMember(ctx, 1, 11))
	require.NoError(t, s.AddMember(ctx, 2, 10))
	require.NoError(t, s.AddMember(ctx, 2, 12))
	require.NoError(t, s.AddMember(ctx, 3, 13))

	members, err := s.MembersOf(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 11}, members)

	ok, err := s.IsMember(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.IsMember(ctx, 1, 12)
	require.NoError(t, err)
	require.False(t, ok)

	co, err := s.CoMembersOf(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{11, 12}, co)

	require.NoError(t, s.RemoveMember(ctx, 1, 11))
	co, err = s.CoMembersOf(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{12}, co)

	empty, err := s.MembersOf(ctx, 99)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, Migrate(s.DB(), DriverSQLite))
}

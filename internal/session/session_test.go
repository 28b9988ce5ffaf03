package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/claudegram/internal/log"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// storeFactories runs manager tests against every Storage implementation.
func storeFactories() map[string]func(t *testing.T) Storage {
	return map[string]func(t *testing.T) Storage{
		"memory": func(t *testing.T) Storage { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Storage {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	s := &Session{LastUsed: now.Add(-25 * time.Hour)}
	assert.True(t, s.IsExpired(24))

	s.LastUsed = now.Add(-23 * time.Hour)
	assert.False(t, s.IsExpired(24))
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	now := time.Now()
	s := &Session{LastUsed: now}
	s.Touch(now.Add(-time.Hour))
	assert.Equal(t, now, s.LastUsed)
	s.Touch(now.Add(time.Minute))
	assert.Equal(t, now.Add(time.Minute), s.LastUsed)
}

func TestGetOrCreate(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()
			m := NewManager(factory(t), Options{TimeoutHours: 24, MaxPerUser: 5, Now: clock.Now}, nil, nil)

			s, err := m.GetOrCreate(ctx, 1, "/work/app", "")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(s.ID, TempPrefix))
			assert.True(t, s.IsNew)
			assert.Equal(t, "/work/app", s.ProjectPath)

			clock.Advance(time.Minute)
			again, err := m.GetOrCreate(ctx, 1, "/work/app/", "")
			require.NoError(t, err)
			assert.Equal(t, s.ID, again.ID, "same user and project reuse the session")

			other, err := m.GetOrCreate(ctx, 1, "/work/lib", "")
			require.NoError(t, err)
			assert.NotEqual(t, s.ID, other.ID)

			byID, err := m.GetOrCreate(ctx, 1, "/work/app", other.ID)
			require.NoError(t, err)
			assert.Equal(t, other.ID, byID.ID, "explicit session id wins")

			stranger, err := m.GetOrCreate(ctx, 2, "/work/app", s.ID)
			require.NoError(t, err)
			assert.NotEqual(t, s.ID, stranger.ID, "sessions of other users are never returned")
		})
	}
}

func TestGetOrCreateByIDTouchesSession(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()
			m := NewManager(factory(t), Options{TimeoutHours: 1, MaxPerUser: 5, Now: clock.Now}, nil, nil)

			s, err := m.GetOrCreate(ctx, 1, "/p", "")
			require.NoError(t, err)

			clock.Advance(50 * time.Minute)
			byID, err := m.GetOrCreate(ctx, 1, "/p", s.ID)
			require.NoError(t, err)
			require.Equal(t, s.ID, byID.ID)
			assert.WithinDuration(t, clock.Now(), byID.LastUsed, time.Second)

			stored, err := m.Get(ctx, s.ID)
			require.NoError(t, err)
			assert.WithinDuration(t, clock.Now(), stored.LastUsed, time.Second)

			// Without the touch the session would have expired by now.
			clock.Advance(50 * time.Minute)
			again, err := m.GetOrCreate(ctx, 1, "/p", s.ID)
			require.NoError(t, err)
			assert.Equal(t, s.ID, again.ID)
		})
	}
}

func TestGetOrCreateSkipsExpired(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	m := NewManager(NewMemoryStore(), Options{TimeoutHours: 1, MaxPerUser: 5, Now: clock.Now}, nil, nil)

	s, err := m.GetOrCreate(ctx, 1, "/p", "")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	fresh, err := m.GetOrCreate(ctx, 1, "/p", s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, fresh.ID)
}

func TestCreateAlwaysStartsFresh(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	m := NewManager(NewMemoryStore(), Options{TimeoutHours: 24, MaxPerUser: 2, Now: clock.Now}, nil, nil)

	first, err := m.GetOrCreate(ctx, 1, "/proj", "")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	second, err := m.Create(ctx, 1, "/proj")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.IsNew)

	clock.Advance(time.Minute)
	third, err := m.Create(ctx, 1, "/proj")
	require.NoError(t, err)

	gone, err := m.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, gone)

	again, err := m.GetOrCreate(ctx, 1, "/proj", third.ID)
	require.NoError(t, err)
	assert.Equal(t, third.ID, again.ID)
}

func TestCapacityEvictsOldestOfSameUser(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()
			m := NewManager(factory(t), Options{TimeoutHours: 24, MaxPerUser: 2, Now: clock.Now}, nil, nil)

			otherUser, err := m.GetOrCreate(ctx, 2, "/p0", "")
			require.NoError(t, err)
			clock.Advance(time.Minute)

			first, err := m.GetOrCreate(ctx, 1, "/p1", "")
			require.NoError(t, err)
			clock.Advance(time.Minute)
			second, err := m.GetOrCreate(ctx, 1, "/p2", "")
			require.NoError(t, err)
			clock.Advance(time.Minute)

			_, err = m.GetOrCreate(ctx, 1, "/p3", "")
			require.NoError(t, err)

			sessions, err := m.UserSessions(ctx, 1)
			require.NoError(t, err)
			require.Len(t, sessions, 2)
			for _, s := range sessions {
				assert.NotEqual(t, first.ID, s.ID, "oldest session should be evicted")
			}
			assert.Contains(t, []string{sessions[0].ID, sessions[1].ID}, second.ID)

			kept, err := m.Get(ctx, otherUser.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(2), kept.UserID)
		})
	}
}

func TestUpdatePromotesTemporaryID(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()
			m := NewManager(factory(t), Options{Now: clock.Now}, nil, nil)

			s, err := m.GetOrCreate(ctx, 1, "/p", "")
			require.NoError(t, err)
			tempID := s.ID

			clock.Advance(time.Minute)
			updated, err := m.Update(ctx, tempID, TurnResult{
				SessionID: "claude-abc",
				Cost:      0.25,
				NumTurns:  3,
				ToolsUsed: []ToolUse{{Name: "Read", Input: map[string]any{"file_path": "main.go"}, Timestamp: clock.Now()}},
			})
			require.NoError(t, err)
			assert.Equal(t, "claude-abc", updated.ID)
			assert.False(t, updated.IsNew)
			assert.Equal(t, 1, updated.MessageCount)
			assert.Equal(t, 3, updated.TotalTurns)
			assert.InDelta(t, 0.25, updated.TotalCost, 1e-9)
			assert.True(t, updated.LastUsed.Equal(clock.Now()))

			_, err = m.Get(ctx, tempID)
			assert.True(t, errors.Is(err, ErrNotFound), "temporary record must be gone")

			loaded, err := m.Get(ctx, "claude-abc")
			require.NoError(t, err)
			diff := cmp.Diff(updated, loaded,
				cmpopts.EquateApproxTime(time.Millisecond),
				cmpopts.EquateEmpty(),
			)
			assert.Empty(t, diff)

			again, err := m.Update(ctx, "claude-abc", TurnResult{SessionID: "claude-abc", Cost: 0.5, NumTurns: 1})
			require.NoError(t, err)
			assert.Equal(t, 2, again.MessageCount)
			assert.InDelta(t, 0.75, again.TotalCost, 1e-9)
		})
	}
}

func TestUpdateUnknownSession(t *testing.T) {
	m := NewManager(NewMemoryStore(), Options{}, nil, nil)
	_, err := m.Update(context.Background(), "nope", TurnResult{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupExpired(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()
			audit := &log.Memory{}
			m := NewManager(factory(t), Options{TimeoutHours: 1, Now: clock.Now}, nil, audit)

			_, err := m.GetOrCreate(ctx, 1, "/a", "")
			require.NoError(t, err)
			_, err = m.GetOrCreate(ctx, 2, "/b", "")
			require.NoError(t, err)

			clock.Advance(90 * time.Minute)
			live, err := m.GetOrCreate(ctx, 3, "/c", "")
			require.NoError(t, err)

			n, err := m.CleanupExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, err = m.Get(ctx, live.ID)
			assert.NoError(t, err)

			events := audit.Events()
			assert.Equal(t, log.EventSessionExpired, events[len(events)-1].Event)
			assert.Equal(t, 2, events[len(events)-1].Count)
		})
	}
}

func TestSweeperStopsWithContext(t *testing.T) {
	clock := newClock()
	m := NewManager(NewMemoryStore(), Options{TimeoutHours: 1, Now: clock.Now}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := m.GetOrCreate(ctx, 1, "/a", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	m.StartSweeper(ctx, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s, _ := m.UserSessions(context.Background(), 1)
		return len(s) == 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestLatestSkipsTemporary(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	m := NewManager(NewMemoryStore(), Options{Now: clock.Now}, nil, nil)

	s, err := m.GetOrCreate(ctx, 1, "/p", "")
	require.NoError(t, err)

	latest, err := m.Latest(ctx, 1, "/p")
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = m.Update(ctx, s.ID, TurnResult{SessionID: "real-1"})
	require.NoError(t, err)

	latest, err = m.Latest(ctx, 1, "/p")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "real-1", latest.ID)
}

func TestUserSummary(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), Options{}, nil, nil)

	a, _ := m.GetOrCreate(ctx, 1, "/b", "")
	b, _ := m.GetOrCreate(ctx, 1, "/a", "")
	_, _ = m.Update(ctx, a.ID, TurnResult{Cost: 1, NumTurns: 2})
	_, _ = m.Update(ctx, b.ID, TurnResult{Cost: 0.5, NumTurns: 1})

	sum, err := m.UserSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalSessions)
	assert.Equal(t, 2, sum.ActiveSessions)
	assert.Equal(t, 2, sum.TotalMessages)
	assert.Equal(t, 3, sum.TotalTurns)
	assert.InDelta(t, 1.5, sum.TotalCost, 1e-9)
	assert.Equal(t, []string{"/a", "/b"}, sum.Projects)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, &Session{ID: "s1", UserID: 1}))

	s, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	s.MessageCount = 99

	again, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.MessageCount)

	missing, err := store.Load(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hilthontt/codesync/internal/application/presence"
	"github.com/hilthontt/codesync/internal/application/roomstore"
	"github.com/hilthontt/codesync/internal/domain"
	"github.com/hilthontt/codesync/internal/persistence/repository"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.RoomEventType
}

func (p *recordingPublisher) Publish(_ context.Context, event *domain.RoomAuditLog) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.EventType)
}

func (p *recordingPublisher) types() []domain.RoomEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.RoomEventType(nil), p.events...)
}

type fixture struct {
	repo      *repository.MemoryRoomRepository
	store     *roomstore.Store
	presence  *presence.Registry
	manager   *Manager
	publisher *recordingPublisher
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()

	repo := repository.NewMemoryRoomRepository()
	store := roomstore.New(repo, roomstore.Options{FlushDebounce: time.Hour})
	registry := presence.NewRegistry()
	publisher := &recordingPublisher{}
	manager := NewManager(registry, store, Options{EvictionDelay: delay, Publisher: publisher})

	t.Cleanup(func() {
		manager.Stop()
		store.Stop()
	})

	return &fixture{repo: repo, store: store, presence: registry, manager: manager, publisher: publisher}
}

func (f *fixture) cached(roomKey string) bool {
	return f.store.View(roomKey, func(*domain.Room) {}) == nil
}

func (f *fixture) join(t *testing.T, roomKey, connID, name string) int {
	t.Helper()
	count, _ := f.manager.Join(roomKey, &domain.Member{ConnID: connID, Username: name, JoinedAt: time.Now()})
	_, err := f.store.Get(context.Background(), roomKey)
	require.NoError(t, err)
	return count
}

func TestLastLeaveEvictsAfterDelay(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.join(t, "r1", "c1", "alice")

	require.NoError(t, f.store.Mutate("r1", func(r *domain.Room) error {
		return r.WriteFile("README.md", "persist me", 0, 0)
	}))

	left, ok := f.manager.Leave("c1")
	require.True(t, ok)
	require.Equal(t, 0, left.Remaining)
	require.True(t, f.manager.evictionPending("r1"))

	require.Eventually(t, func() bool { return !f.cached("r1") }, time.Second, 5*time.Millisecond)

	stored, err := f.repo.FindByKey(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "persist me", stored.Files["README.md"])
	require.Contains(t, f.publisher.types(), domain.EventRoomEvicted)
}

func TestJoinCancelsPendingEviction(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.join(t, "r1", "c1", "alice")
	f.manager.Leave("c1")
	require.True(t, f.manager.evictionPending("r1"))

	f.join(t, "r1", "c2", "bob")
	require.False(t, f.manager.evictionPending("r1"))

	time.Sleep(120 * time.Millisecond)
	require.True(t, f.cached("r1"))
}

func TestLeaveWithRemainingMembersDoesNotArm(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.join(t, "r1", "c1", "alice")
	require.Equal(t, 2, f.join(t, "r1", "c2", "bob"))

	left, ok := f.manager.Leave("c1")
	require.True(t, ok)
	require.Equal(t, 1, left.Remaining)
	require.False(t, f.manager.evictionPending("r1"))
}

func TestLeaveUnknownConnection(t *testing.T) {
	f := newFixture(t, time.Hour)
	_, ok := f.manager.Leave("ghost")
	require.False(t, ok)
	require.Empty(t, f.publisher.types())
}

func TestSwitchingRoomsArmsEvictionForEmptiedRoom(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.join(t, "a", "c1", "alice")

	_, left := f.manager.Join("b", &domain.Member{ConnID: "c1", Username: "alice", JoinedAt: time.Now()})
	require.NotNil(t, left)
	require.Equal(t, "a", left.RoomKey)
	require.True(t, f.manager.evictionPending("a"))
}

func TestEvictionSkipsRoomThatGainedMember(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.join(t, "r1", "c1", "alice")

	// A member present when the timer fires keeps the room cached.
	f.manager.expire("r1")
	require.True(t, f.cached("r1"))
}

func TestRejoinAfterEvictionReloadsDurableCopy(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.join(t, "r1", "c1", "alice")
	require.NoError(t, f.store.Mutate("r1", func(r *domain.Room) error {
		_, err := r.CreateFile("kept.txt", 0)
		return err
	}))
	f.manager.Leave("c1")
	require.Eventually(t, func() bool { return !f.cached("r1") }, time.Second, 5*time.Millisecond)

	f.join(t, "r1", "c2", "bob")
	require.NoError(t, f.store.View("r1", func(r *domain.Room) {
		require.Contains(t, r.Files, "kept.txt")
	}))
}

func TestJoinRaceWithEvictionNeverLosesRoom(t *testing.T) {
	f := newFixture(t, time.Millisecond)

	for i := range 50 {
		f.join(t, "r1", "c1", "alice")
		require.NoError(t, f.store.Mutate("r1", func(r *domain.Room) error {
			return r.WriteFile("README.md", string(rune('a'+i%26)), 0, 0)
		}))
		f.manager.Leave("c1")
		time.Sleep(time.Duration(i%3) * time.Millisecond)
	}

	f.join(t, "r1", "c1", "alice")
	require.NoError(t, f.store.View("r1", func(r *domain.Room) {
		require.Equal(t, string(rune('a'+49%26)), r.Files["README.md"])
	}))
}

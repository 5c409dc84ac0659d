// Package lifecycle decides when a room lives in memory. Joining cancels a
// pending eviction; the last member leaving arms one. Eviction flushes the room
// and drops it from the cache.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/hilthontt/codesync/internal/application/presence"
	"github.com/hilthontt/codesync/internal/application/roomstore"
	"github.com/hilthontt/codesync/internal/domain"
	"github.com/hilthontt/codesync/internal/infrastructure/debounce"
	"github.com/hilthontt/codesync/internal/infrastructure/events"
	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	"github.com/hilthontt/codesync/internal/infrastructure/metrics"
)

const (
	DefaultEvictionDelay = 30 * time.Minute
	evictionTimeout      = 30 * time.Second
)

type Options struct {
	EvictionDelay time.Duration
	Logger        logging.Logger
	Metrics       *metrics.Metrics
	Publisher     events.Publisher
}

type Manager struct {
	// mu orders membership changes against eviction decisions, so a room is
	// never detached while it has a member.
	mu sync.Mutex

	presence  *presence.Registry
	store     *roomstore.Store
	timers    *debounce.Registry
	delay     time.Duration
	logger    logging.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher
}

func NewManager(registry *presence.Registry, store *roomstore.Store, opts Options) *Manager {
	if opts.EvictionDelay <= 0 {
		opts.EvictionDelay = DefaultEvictionDelay
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewNopPublisher()
	}

	m := &Manager{
		presence:  registry,
		store:     store,
		delay:     opts.EvictionDelay,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		publisher: opts.Publisher,
	}
	m.timers = debounce.NewRegistry(opts.EvictionDelay, m.expire)

	return m
}

// Join registers member in roomKey and cancels the room's pending eviction. If
// the connection was in another room, that departure is returned and handled
// like a Leave.
func (m *Manager) Join(roomKey string, member *domain.Member) (int, *presence.Departure) {
	m.mu.Lock()
	if m.timers.Cancel(roomKey) {
		m.logger.Debug(logging.Lifecycle, logging.Eviction, "eviction cancelled by join", map[logging.ExtraKey]any{
			logging.RoomKey: roomKey,
		})
	}
	count, left := m.presence.Join(roomKey, member)
	if left != nil && left.Remaining == 0 {
		m.timers.Arm(left.RoomKey)
	}
	m.mu.Unlock()
	m.updateGauges()

	ctx := context.Background()
	m.publisher.Publish(ctx, domain.NewMemberJoinedLog(roomKey, count))
	if left != nil {
		m.publisher.Publish(ctx, domain.NewMemberLeftLog(left.RoomKey, left.Remaining))
	}

	return count, left
}

// Leave unregisters connID. When it was the last member of its room the
// eviction timer starts.
func (m *Manager) Leave(connID string) (*presence.Departure, bool) {
	m.mu.Lock()
	left, ok := m.presence.Leave(connID)
	if ok && left.Remaining == 0 {
		m.timers.Arm(left.RoomKey)
	}
	m.mu.Unlock()
	m.updateGauges()

	if !ok {
		return nil, false
	}

	m.publisher.Publish(context.Background(), domain.NewMemberLeftLog(left.RoomKey, left.Remaining))
	if left.Remaining == 0 {
		m.logger.Info(logging.Lifecycle, logging.Eviction, "room empty, eviction scheduled", map[logging.ExtraKey]any{
			logging.RoomKey: left.RoomKey,
			"delay":         m.delay.String(),
		})
	}

	return left, true
}

// evictionPending reports whether roomKey has an armed eviction timer.
func (m *Manager) evictionPending(roomKey string) bool {
	return m.timers.Pending(roomKey)
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveRooms.Set(float64(m.presence.Rooms()))
	m.metrics.PendingEvicts.Set(float64(m.timers.Len()))
}

func (m *Manager) expire(roomKey string) {
	defer m.updateGauges()

	m.mu.Lock()
	if m.presence.Count(roomKey) > 0 {
		m.mu.Unlock()
		return
	}
	eviction, ok := m.store.Detach(roomKey)
	m.mu.Unlock()

	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), evictionTimeout)
	defer cancel()

	if err := eviction.Complete(ctx); err != nil {
		m.logger.Error(logging.Lifecycle, logging.Eviction, "eviction flush failed, room kept in memory", map[logging.ExtraKey]any{
			logging.RoomKey:      roomKey,
			logging.ErrorMessage: err.Error(),
		})
		m.mu.Lock()
		if m.presence.Count(roomKey) == 0 {
			m.timers.Arm(roomKey)
		}
		m.mu.Unlock()
		return
	}

	if m.metrics != nil {
		m.metrics.Evictions.Inc()
	}
	m.publisher.Publish(ctx, domain.NewRoomEvictedLog(roomKey, m.delay))
	m.logger.Info(logging.Lifecycle, logging.Eviction, "room evicted", map[logging.ExtraKey]any{
		logging.RoomKey: roomKey,
	})
}

// Stop cancels every pending eviction. Rooms stay cached for the final flush.
func (m *Manager) Stop() {
	m.timers.Stop()
}

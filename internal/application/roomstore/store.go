// Package roomstore holds the authoritative in-memory copy of every active room
// and writes it behind to durable storage.
//
// Each cached room has its own lock. Mutations, reads and snapshotting take
// that lock briefly; durable reads and writes never run under it.
package roomstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hilthontt/codesync/internal/domain"
	"github.com/hilthontt/codesync/internal/infrastructure/debounce"
	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	"github.com/hilthontt/codesync/internal/infrastructure/metrics"
	"github.com/hilthontt/codesync/internal/infrastructure/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultFlushDebounce = 5 * time.Second
	defaultWriteTimeout  = 10 * time.Second
)

var tracer = tracing.GetTracer("codesync/roomstore")

type entry struct {
	mu      sync.Mutex
	room    *domain.Room
	evicted bool

	flushing  bool
	dirty     bool
	flushDone chan struct{}
	flushErr  error
}

type Options struct {
	FlushDebounce time.Duration
	WriteTimeout  time.Duration
	Logger        logging.Logger
	Metrics       *metrics.Metrics
	// OnCreated runs after a room is seeded for a key storage has never seen.
	OnCreated func(room *domain.Room)
}

type Store struct {
	repo         domain.RoomRepository
	logger       logging.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration
	onCreated    func(room *domain.Room)

	mu       sync.RWMutex
	rooms    map[string]*entry
	evicting map[string]chan struct{}

	loads  singleflight.Group
	timers *debounce.Registry
}

func New(repo domain.RoomRepository, opts Options) *Store {
	if opts.FlushDebounce <= 0 {
		opts.FlushDebounce = DefaultFlushDebounce
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	s := &Store{
		repo:         repo,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		writeTimeout: opts.WriteTimeout,
		onCreated:    opts.OnCreated,
		rooms:        make(map[string]*entry),
		evicting:     make(map[string]chan struct{}),
	}
	s.timers = debounce.NewRegistry(opts.FlushDebounce, s.flushOnTimer)

	return s
}

func (s *Store) lookup(key string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[key]
}

func (s *Store) updateGauge() {
	if s.metrics == nil {
		return
	}
	s.mu.RLock()
	n := len(s.rooms)
	s.mu.RUnlock()
	s.metrics.CachedRooms.Set(float64(n))
}

// Get returns a copy of the cached room, loading it from storage or seeding a
// new one on first use. Concurrent first loads of one key share a single
// load-or-create sequence.
func (s *Store) Get(ctx context.Context, key string) (*domain.Room, error) {
	e := s.lookup(key)
	if e == nil {
		v, err, _ := s.loads.Do(key, func() (any, error) {
			return s.load(context.WithoutCancel(ctx), key)
		})
		if err != nil {
			return nil, err
		}
		e = v.(*entry)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room.Clone(), nil
}

func (s *Store) waitForEviction(ctx context.Context, key string) error {
	s.mu.RLock()
	done := s.evicting[key]
	s.mu.RUnlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) load(ctx context.Context, key string) (*entry, error) {
	// An eviction for this key may still be writing its final snapshot.
	if err := s.waitForEviction(ctx, key); err != nil {
		return nil, err
	}
	if e := s.lookup(key); e != nil {
		return e, nil
	}

	ctx, span := tracer.Start(ctx, "roomstore.load")
	span.SetAttributes(attribute.String("room.key", key))
	defer span.End()

	room, err := s.repo.FindByKey(ctx, key)
	created := false
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		room = domain.NewRoom(key)
		created = true
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		s.logger.Error(logging.Room, logging.Load, "failed to load room", map[logging.ExtraKey]any{
			logging.RoomKey:      key,
			logging.ErrorMessage: err.Error(),
		})
		return nil, fmt.Errorf("load room %s: %w", key, err)
	default:
		room.Normalize()
	}

	// Once the entry is published other callers may mutate the room, so any
	// copy taken after that point goes through the entry lock.
	var seed *domain.Room
	if created {
		seed = room.Clone()
	}
	e := &entry{room: room}

	s.mu.Lock()
	s.rooms[key] = e
	s.mu.Unlock()
	s.updateGauge()

	if created {
		if err := s.flushEntry(ctx, e); err != nil {
			// The room is served from memory; the retry timer persists it later.
			s.timers.Arm(key)
		}
		if s.onCreated != nil {
			s.onCreated(seed)
		}
	}

	s.logger.Debug(logging.Room, logging.Load, "room cached", map[logging.ExtraKey]any{
		logging.RoomKey: key,
		"created":       created,
	})

	return e, nil
}

// Mutate runs fn on the cached room under its lock. fn may fan out broadcasts;
// they are ordered with every other mutation of the room. When fn returns nil
// a write-behind flush is scheduled.
func (s *Store) Mutate(key string, fn func(room *domain.Room) error) error {
	e := s.lookup(key)
	if e == nil {
		return domain.ErrRoomNotLoaded
	}

	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return domain.ErrRoomNotLoaded
	}
	err := fn(e.room)
	e.mu.Unlock()

	if err != nil {
		return err
	}

	s.ScheduleFlush(key)
	return nil
}

// View runs fn on the cached room under its lock without scheduling a flush.
// fn must not modify the room.
func (s *Store) View(key string, fn func(room *domain.Room)) error {
	e := s.lookup(key)
	if e == nil {
		return domain.ErrRoomNotLoaded
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.evicted {
		return domain.ErrRoomNotLoaded
	}
	fn(e.room)

	return nil
}

// ScheduleFlush (re)starts the debounce timer for key. A burst of mutations
// inside the debounce interval produces one write of the latest state.
func (s *Store) ScheduleFlush(key string) {
	s.timers.Arm(key)
}

// FlushPending reports whether key has an armed flush timer.
func (s *Store) FlushPending(key string) bool {
	return s.timers.Pending(key)
}

func (s *Store) flushOnTimer(key string) {
	e := s.lookup(key)
	if e == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if err := s.flushEntry(ctx, e); err != nil {
		// Try again later with whatever the room holds by then.
		s.timers.Arm(key)
	}
}

// FlushNow cancels any pending timer and writes the current snapshot before
// returning.
func (s *Store) FlushNow(ctx context.Context, key string) error {
	s.timers.Cancel(key)

	e := s.lookup(key)
	if e == nil {
		return nil
	}

	return s.flushEntry(ctx, e)
}

// FlushAll writes every cached room. Used on shutdown.
func (s *Store) FlushAll(ctx context.Context) error {
	var errs []error
	for _, key := range s.Keys() {
		if err := s.FlushNow(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flushEntry keeps at most one write per room in flight. A request arriving
// during a write marks the room dirty and waits; the writer then loops once
// more with the newest snapshot instead of queuing another write.
func (s *Store) flushEntry(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if e.flushing {
		e.dirty = true
		done := e.flushDone
		e.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		return e.flushErr
	}

	e.flushing = true
	e.flushDone = make(chan struct{})

	var err error
	for {
		e.dirty = false
		snapshot := e.room.Clone()
		e.mu.Unlock()

		err = s.write(ctx, snapshot)

		e.mu.Lock()
		if !e.dirty {
			break
		}
	}

	e.flushErr = err
	e.flushing = false
	close(e.flushDone)
	e.mu.Unlock()

	return err
}

func (s *Store) write(ctx context.Context, room *domain.Room) error {
	ctx, span := tracer.Start(ctx, "roomstore.flush")
	span.SetAttributes(attribute.String("room.key", room.Key), attribute.Int("room.files", len(room.Files)))
	defer span.End()

	start := time.Now()
	err := s.repo.Upsert(ctx, room)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.FlushDuration.Observe(elapsed.Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		if s.metrics != nil {
			s.metrics.Flushes.WithLabelValues("error").Inc()
		}
		s.logger.Error(logging.Room, logging.Flush, "failed to persist room", map[logging.ExtraKey]any{
			logging.RoomKey:      room.Key,
			logging.ErrorMessage: err.Error(),
		})
		return err
	}

	if s.metrics != nil {
		s.metrics.Flushes.WithLabelValues("ok").Inc()
	}
	s.logger.Debug(logging.Room, logging.Flush, "room persisted", map[logging.ExtraKey]any{
		logging.RoomKey: room.Key,
		logging.Latency: elapsed.String(),
	})

	return nil
}

// Eviction is a room that has been detached from the cache but whose final
// snapshot has not been written yet.
type Eviction struct {
	store *Store
	key   string
	entry *entry
	done  chan struct{}
}

// Detach removes key from the cache so no new mutation can reach it. Loads of
// the same key block until the returned Eviction completes.
func (s *Store) Detach(key string) (*Eviction, bool) {
	s.mu.Lock()
	e, ok := s.rooms[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	delete(s.rooms, key)
	done := make(chan struct{})
	s.evicting[key] = done
	s.mu.Unlock()

	s.timers.Cancel(key)

	e.mu.Lock()
	e.evicted = true
	e.mu.Unlock()

	s.updateGauge()

	return &Eviction{store: s, key: key, entry: e, done: done}, true
}

// Complete writes the final snapshot. When the write fails the room goes back
// into the cache so nothing is lost, and the error is returned.
func (ev *Eviction) Complete(ctx context.Context) error {
	s := ev.store
	err := s.flushEntry(ctx, ev.entry)

	s.mu.Lock()
	if err != nil {
		ev.entry.mu.Lock()
		ev.entry.evicted = false
		ev.entry.mu.Unlock()
		s.rooms[ev.key] = ev.entry
	}
	delete(s.evicting, ev.key)
	s.mu.Unlock()
	close(ev.done)

	s.updateGauge()

	if err != nil {
		return fmt.Errorf("evict room %s: %w", ev.key, err)
	}
	return nil
}

// evict flushes the room and drops it from memory. The durable copy stays.
func (s *Store) evict(ctx context.Context, key string) error {
	ev, ok := s.Detach(key)
	if !ok {
		return nil
	}
	return ev.Complete(ctx)
}

// has reports whether key is cached.
func (s *Store) has(key string) bool {
	return s.lookup(key) != nil
}

// Keys returns the cached room keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.rooms))
	for k := range s.rooms {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Stop cancels pending flush timers without running them. Call FlushAll first.
func (s *Store) Stop() {
	s.timers.Stop()
}

package repository

import (
	"context"
	"sync"

	"github.com/hilthontt/codesync/internal/domain"
)

// MemoryRoomRepository keeps rooms in a map. Rooms are cloned on the way in and
// out so callers never share state with the store.
type MemoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[string]*domain.Room
}

func NewMemoryRoomRepository() *MemoryRoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[string]*domain.Room),
	}
}

func (r *MemoryRoomRepository) FindByKey(_ context.Context, key string) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[key]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}

	return room.Clone(), nil
}

func (r *MemoryRoomRepository) Upsert(_ context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms[room.Key] = room.Clone()
	return nil
}

func (r *MemoryRoomRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

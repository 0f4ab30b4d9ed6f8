package cursor

import (
	"context"
	"sort"
	"sync"
	"time"

	"collabClient/backend/internal/timer"
	"collabClient/backend/internal/ws"
)

// Collaborator 其他协作者最近一次的光标，用于重新挂载时恢复标记
type Collaborator struct {
	UserID       uint64            `json:"user_id"`
	Username     string            `json:"username"`
	Color        string            `json:"color"`
	Position     ws.CursorPosition `json:"position"`
	LastActivity time.Time         `json:"last_activity"`
}

// Store 协作者名单 + 光标的共享存储，过期的协作者不再返回
type Store interface {
	Touch(ctx context.Context, sectionID string, c Collaborator, ttl time.Duration) error
	Alive(ctx context.Context, sectionID string) ([]Collaborator, error)
	Remove(ctx context.Context, sectionID string, userID uint64) error
}

type memoryEntry struct {
	c        Collaborator
	expireAt time.Time
}

// MemoryStore 单进程使用的 Store
type MemoryStore struct {
	mu       sync.Mutex
	clock    timer.Clock
	sections map[string]map[uint64]memoryEntry
}

func NewMemoryStore(clock timer.Clock) *MemoryStore {
	if clock == nil {
		clock = timer.Real()
	}
	return &MemoryStore{clock: clock, sections: make(map[string]map[uint64]memoryEntry)}
}

func (s *MemoryStore) Touch(_ context.Context, sectionID string, c Collaborator, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sections[sectionID] == nil {
		s.sections[sectionID] = make(map[uint64]memoryEntry)
	}
	s.sections[sectionID][c.UserID] = memoryEntry{c: c, expireAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Alive(_ context.Context, sectionID string) ([]Collaborator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make([]Collaborator, 0, len(s.sections[sectionID]))
	for id, e := range s.sections[sectionID] {
		if !e.expireAt.After(now) {
			delete(s.sections[sectionID], id)
			continue
		}
		out = append(out, e.c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, sectionID string, userID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sections[sectionID], userID)
	return nil
}

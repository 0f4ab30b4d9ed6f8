package ws

import (
	"sync"
)

// Hub 按编辑区域（surface）分组的浏览器视图连接
type Hub struct {
	mu sync.RWMutex
	// surfaceID -> set of viewers
	// 同一个用户可以开多个标签页，所以按连接而不是按 userID 存
	rooms map[string]map[*Viewer]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Viewer]struct{})}
}

func (h *Hub) Join(surfaceID string, v *Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[surfaceID] == nil {
		h.rooms[surfaceID] = make(map[*Viewer]struct{})
	}
	h.rooms[surfaceID][v] = struct{}{}
}

func (h *Hub) Leave(surfaceID string, v *Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if viewers, ok := h.rooms[surfaceID]; ok {
		delete(viewers, v)
		if len(viewers) == 0 {
			delete(h.rooms, surfaceID)
		}
	}
}

// Broadcast 非阻塞投递，慢的视图直接丢消息
func (h *Hub) Broadcast(surfaceID string, event any) {
	h.mu.RLock()
	viewers := make([]*Viewer, 0, len(h.rooms[surfaceID]))
	for v := range h.rooms[surfaceID] {
		viewers = append(viewers, v)
	}
	h.mu.RUnlock()
	for _, v := range viewers {
		v.Enqueue(event)
	}
}

// CloseSurface 编辑区域卸载时断开所有视图
func (h *Hub) CloseSurface(surfaceID string) {
	h.mu.Lock()
	viewers := h.rooms[surfaceID]
	delete(h.rooms, surfaceID)
	h.mu.Unlock()
	for v := range viewers {
		v.Close()
	}
}

func (h *Hub) Count(surfaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[surfaceID])
}

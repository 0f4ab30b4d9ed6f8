package session

import (
	"collabClient/backend/internal/collab"
	"collabClient/backend/internal/cursor"
	"collabClient/backend/internal/ws"
)

// 推给浏览器视图的事件类型
const (
	EventContent = "content"
	EventMarkers = "markers"
	EventNotice  = "notice"
	EventTyping  = "typing"
	EventState   = "state"
)

type Event struct {
	Type      string `json:"type"`
	SurfaceID string `json:"surface_id"`
	Data      any    `json:"data"`
}

type ContentData struct {
	Content   string       `json:"content"`
	Selection ws.Selection `json:"selection"`
	AuthorID  uint64       `json:"author_id,omitempty"`
	Replaced  bool         `json:"replaced,omitempty"`
}

type Typer struct {
	UserID   uint64 `json:"user_id"`
	Username string `json:"username"`
}

type TypingData struct {
	Users []Typer `json:"users"`
}

// View 编辑区域的完整快照，视图连上来时先收到这一份
type View struct {
	SurfaceID string          `json:"surface_id"`
	UserID    uint64          `json:"user_id"`
	Format    string          `json:"format"`
	Document  collab.Snapshot `json:"document"`
	Markers   []cursor.Marker `json:"markers"`
	Typing    []Typer         `json:"typing"`
}

// Publisher 视图事件的出口，ws.Hub 实现了它
type Publisher interface {
	Broadcast(surfaceID string, event any)
}

type nopPublisher struct{}

func (nopPublisher) Broadcast(string, any) {}

package ws

import (
	"collabClient/backend/internal/ot/delta"
)

// 上行消息类型（client -> server collaborator）
const (
	TypeTextUpdate     = "text_update"
	TypeCursorUpdate   = "cursor_update"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypePresenceUpdate = "presence_update"
	TypeRequestResync  = "request_resync"
)

// 下行消息类型（server collaborator -> client）
const (
	TypeApplyRemoteOperation     = "apply_remote_operation"
	TypeOperationAcknowledged    = "operation_acknowledged"
	TypeCollaboratorCursorUpdate = "collaborator_cursor_update"
	TypeExternalContentUpdate    = "external_content_update"
	TypeCollaboratorTyping       = "collaborator_typing"
	TypeCollaboratorLeft         = "collaborator_left"
	TypeError                    = "error"
	// 连接恢复后由 Client 本地合成，不来自服务端
	TypeReconnected = "reconnected"
)

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type CursorPosition struct {
	Offset         int `json:"offset"`
	Line           int `json:"line"`
	Column         int `json:"column"`
	SelectionStart int `json:"selection_start"`
	SelectionEnd   int `json:"selection_end"`
}

type ClientMessage struct {
	Type        string          `json:"type"`
	SectionID   string          `json:"section_id"`
	OperationID string          `json:"operation_id,omitempty"`
	BaseVersion uint64          `json:"base_version,omitempty"`
	ClientID    string          `json:"client_id,omitempty"`
	Content     string          `json:"content,omitempty"`
	Selection   *Selection      `json:"selection,omitempty"`
	Operations  delta.Delta     `json:"operations,omitempty"`
	Position    *CursorPosition `json:"position,omitempty"`
	Presence    string          `json:"presence,omitempty"`
}

type ServerMessage struct {
	Type           string          `json:"type"`
	SectionID      string          `json:"section_id,omitempty"`
	UserID         uint64          `json:"user_id,omitempty"`
	Username       string          `json:"username,omitempty"`
	ClientID       string          `json:"client_id,omitempty"`
	OperationID    string          `json:"operation_id,omitempty"`
	ServerVersion  uint64          `json:"server_version,omitempty"`
	Operation      delta.Delta     `json:"operation,omitempty"`
	CursorPosition *CursorPosition `json:"cursor_position,omitempty"`
	// external_content_update 允许内容为空串，所以不加 omitempty
	Content  string `json:"content"`
	Typing   bool   `json:"typing,omitempty"`
	Presence string `json:"presence,omitempty"`
	Error    string `json:"error,omitempty"`
}

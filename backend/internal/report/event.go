package report

import (
	"context"
	"log"
	"time"
)

// 同步过程中值得上报的事件类型
const (
	EventRetransmit      = "RETRANSMIT"
	EventDesync          = "DESYNC"
	EventMalformedRemote = "MALFORMED_REMOTE"
	EventResyncApplied   = "RESYNC_APPLIED"
	EventDraftSaved      = "DRAFT_SAVED"
	EventDeviceError     = "DEVICE_ERROR"
)

type SyncEvent struct {
	EventType     string    `json:"eventType"`
	SectionID     string    `json:"sectionId"`
	UserID        uint64    `json:"userId"`
	ClientID      string    `json:"clientId"`
	OperationID   string    `json:"operationId,omitempty"`
	LocalVersion  uint64    `json:"localVersion"`
	ServerVersion uint64    `json:"serverVersion"`
	Attempt       int       `json:"attempt,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}

// Reporter 上报不能阻塞编辑链路，实现方自己决定丢弃策略
type Reporter interface {
	Enqueue(ctx context.Context, evt SyncEvent) error
}

// LogReporter 没配置 kafka 时的默认实现
type LogReporter struct {
	Logger *log.Logger
}

func (r LogReporter) Enqueue(_ context.Context, evt SyncEvent) error {
	logf := log.Printf
	if r.Logger != nil {
		logf = r.Logger.Printf
	}
	logf("sync event type=%s section=%s user=%d client=%s op=%s local=%d server=%d attempt=%d detail=%s",
		evt.EventType, evt.SectionID, evt.UserID, evt.ClientID, evt.OperationID,
		evt.LocalVersion, evt.ServerVersion, evt.Attempt, evt.Detail)
	return nil
}

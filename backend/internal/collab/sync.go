package collab

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"collabClient/backend/internal/report"
	"collabClient/backend/internal/ws"
)

const (
	sendTimeout   = 200 * time.Millisecond
	reportTimeout = 200 * time.Millisecond
	draftTimeout  = 3 * time.Second
)

type draftJob struct {
	base    uint64
	content string
}

// effects 在持锁期间收集，解锁后统一执行（回调、上报、落库都可能阻塞或重入）
type effects struct {
	change  *ContentChange
	notices []Notice
	events  []report.SyncEvent
	draft   *draftJob
}

func (fx *effects) notice(level, code, msg string) {
	fx.notices = append(fx.notices, Notice{Level: level, Code: code, Message: msg})
}

func (fx effects) run(d *Document) {
	if fx.draft != nil {
		d.saveDraft(*fx.draft)
	}
	for _, evt := range fx.events {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		if err := d.reporter.Enqueue(ctx, evt); err != nil {
			d.logger.Printf("report sync event failed type=%s section=%s err=%v", evt.EventType, evt.SectionID, err)
		}
		cancel()
	}
	if d.listener == nil {
		return
	}
	if fx.change != nil {
		d.listener.ContentChanged(*fx.change)
	}
	for _, n := range fx.notices {
		d.listener.Notify(n)
	}
}

func (d *Document) reportLocked(fx *effects, kind, opID, detail string, attempt int) {
	fx.events = append(fx.events, report.SyncEvent{
		EventType:     kind,
		SectionID:     d.sectionID,
		UserID:        d.userID,
		ClientID:      d.clientID,
		OperationID:   opID,
		LocalVersion:  d.localVersion,
		ServerVersion: d.serverVersion,
		Attempt:       attempt,
		Detail:        detail,
		At:            d.clock.Now(),
	})
}

func (d *Document) saveDraft(job draftJob) {
	if d.drafts == nil || job.content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), draftTimeout)
	defer cancel()
	if err := d.drafts.SaveDraft(ctx, d.sectionID, d.userID, job.base, job.content); err != nil {
		d.logger.Printf("save draft failed section=%s user=%d err=%v", d.sectionID, d.userID, err)
		return
	}
	evt := report.SyncEvent{
		EventType:     report.EventDraftSaved,
		SectionID:     d.sectionID,
		UserID:        d.userID,
		ClientID:      d.clientID,
		ServerVersion: job.base,
		At:            d.clock.Now(),
	}
	if err := d.reporter.Enqueue(ctx, evt); err != nil {
		d.logger.Printf("report draft saved failed section=%s err=%v", d.sectionID, err)
	}
}

func (d *Document) sendLocked(msg ws.ClientMessage) {
	if d.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := d.sender.Send(ctx, msg); err != nil {
		// 发送失败按丢包处理，交给 ack 超时重传
		d.logger.Printf("send %s failed section=%s op=%s err=%v", msg.Type, d.sectionID, msg.OperationID, err)
	}
}

// transmitLocked 把 b 变成在途 batch 并发出去
func (d *Document) transmitLocked(b *batch, fx *effects) {
	d.inFlight = b
	sel := d.selection
	msg := ws.ClientMessage{
		Type:        ws.TypeTextUpdate,
		SectionID:   d.sectionID,
		OperationID: b.id,
		BaseVersion: d.serverVersion,
		ClientID:    d.clientID,
		Selection:   &sel,
		Operations:  b.ops,
	}
	// 只有它是唯一未确认的 batch 时，当前 buffer 才正好等于“服务端版本 + 这个 batch”
	if len(d.pending) == 0 {
		msg.Content = d.buf.String()
	}
	b.sent = &msg
	b.attempt = 0
	d.retry.Reset()
	d.sendLocked(msg)
	d.armAckTimerLocked(b)
}

// retransmitLocked 原样重发第一次发送的消息，不基于可能过期的内容重新 diff
func (d *Document) retransmitLocked(b *batch) {
	if b.sent == nil {
		return
	}
	d.sendLocked(*b.sent)
	d.armAckTimerLocked(b)
}

func (d *Document) armAckTimerLocked(b *batch) {
	d.stopTimerLocked()
	d.timer = d.clock.AfterFunc(d.cfg.AckTimeout, func() { d.onAckTimeout(b) })
}

func (d *Document) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Document) onAckTimeout(b *batch) {
	d.mu.Lock()
	if d.closed || d.inFlight != b {
		d.mu.Unlock()
		return
	}
	var fx effects
	next := backoff.Stop
	if d.cfg.MaxRetransmits > 0 {
		next = d.retry.NextBackOff()
	}
	if next == backoff.Stop {
		d.requestResyncLocked("ack timeout", &fx)
	} else {
		b.attempt++
		d.logger.Printf("ack timeout section=%s op=%s attempt=%d retransmit in %s", d.sectionID, b.id, b.attempt, next)
		d.reportLocked(&fx, report.EventRetransmit, b.id, "ack timeout", b.attempt)
		fx.notice(NoticeWarn, "reconnecting", "reconnecting…")
		d.timer = d.clock.AfterFunc(next, func() { d.onRetransmitDue(b) })
	}
	d.mu.Unlock()
	fx.run(d)
}

func (d *Document) onRetransmitDue(b *batch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.inFlight != b {
		return
	}
	d.retransmitLocked(b)
}

// requestResyncLocked 判定失步：丢弃队列，向服务端要全量内容。
// 本地文本先保留，等快照到达时如有差异再存成草稿。
func (d *Document) requestResyncLocked(reason string, fx *effects) {
	if d.resyncing {
		return
	}
	d.logger.Printf("%v section=%s reason=%s local=%d server=%d unacked=%d",
		ErrDesync, d.sectionID, reason, d.localVersion, d.serverVersion, d.unackedLocked())
	d.reportLocked(fx, report.EventDesync, "", reason, 0)
	d.resyncing = true
	d.stopTimerLocked()
	d.inFlight = nil
	d.pending = nil
	d.undo = nil
	d.redo = nil
	fx.notice(NoticeWarn, "resyncing", "sync issue, refreshing…")
	d.sendResyncRequestLocked()
}

// sendResyncRequestLocked 请求没有得到回应时每个 ack 超时周期重发一次
func (d *Document) sendResyncRequestLocked() {
	d.sendLocked(ws.ClientMessage{
		Type:        ws.TypeRequestResync,
		SectionID:   d.sectionID,
		BaseVersion: d.serverVersion,
		ClientID:    d.clientID,
	})
	d.stopTimerLocked()
	d.timer = d.clock.AfterFunc(d.cfg.AckTimeout, d.onResyncTimeout)
}

func (d *Document) onResyncTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.resyncing {
		return
	}
	d.sendResyncRequestLocked()
}

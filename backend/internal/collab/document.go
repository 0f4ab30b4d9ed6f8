package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"collabClient/backend/internal/ot/delta"
	"collabClient/backend/internal/report"
	"collabClient/backend/internal/timer"
	"collabClient/backend/internal/ws"
)

var (
	ErrClosed          = errors.New("DOCUMENT_CLOSED")
	ErrDesync          = errors.New("DESYNC")
	ErrMalformedRemote = errors.New("MALFORMED_REMOTE_OPERATION")
	// 编辑器提交的文本基于的修订版已经不在历史里，无法变基
	ErrStaleBase = errors.New("STALE_BASE_REVISION")
)

type State int

const (
	StateIdle State = iota
	StateAwaitingAck
	StateAwaitingAckQueued
	StateResyncing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateAwaitingAckQueued:
		return "awaiting_ack_queued"
	case StateResyncing:
		return "resyncing"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateIdle, StateAwaitingAck, StateAwaitingAckQueued, StateResyncing} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown document state %q", b)
}

// Sender 上行通道，实现方必须是非阻塞入队（Document 持锁调用以保证发送顺序）
type Sender interface {
	Send(ctx context.Context, msg ws.ClientMessage) error
}

// DraftSaver 保存被全量同步丢弃的本地文本
type DraftSaver interface {
	SaveDraft(ctx context.Context, sectionID string, userID uint64, baseVersion uint64, content string) error
}

// Listener 接收需要反映到界面上的变化，回调时 Document 不持锁
type Listener interface {
	ContentChanged(change ContentChange)
	Notify(n Notice)
}

type ContentChange struct {
	Content   string
	Ops       delta.Delta // 全量替换时为空
	Replaced  bool
	Selection ws.Selection
	AuthorID  uint64
}

const (
	NoticeInfo = "info"
	NoticeWarn = "warn"
)

type Notice struct {
	Level   string `json:"level"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Config struct {
	AckTimeout           time.Duration
	RetransmitBackoff    time.Duration
	MaxRetransmitBackoff time.Duration
	MaxRetransmits       uint64
	UndoDepth            int
	// 保留多少笔修改用于把编辑器基于旧内容提交的文本变基
	RebaseDepth          int
	Buffer               string
}

func DefaultConfig() Config {
	return Config{
		AckTimeout:           5 * time.Second,
		RetransmitBackoff:    500 * time.Millisecond,
		MaxRetransmitBackoff: 8 * time.Second,
		MaxRetransmits:       3,
		UndoDepth:            100,
		RebaseDepth:          64,
		Buffer:               BufferPieceTable,
	}
}

type Options struct {
	SectionID string
	UserID    uint64
	ClientID  string
	Content   string
	Version   uint64
}

type Deps struct {
	Sender   Sender
	Clock    timer.Clock
	Reporter report.Reporter
	Drafts   DraftSaver
	Listener Listener
	Logger   *log.Logger
}

// batch 一次本地编辑。sent 保存第一次发送时的消息，重传时原样复用
type batch struct {
	id      string
	ops     delta.Delta
	sent    *ws.ClientMessage
	attempt int
}

type EditResult struct {
	OperationID   string      `json:"operation_id,omitempty"`
	Ops           delta.Delta `json:"operations,omitempty"`
	LocalVersion  uint64      `json:"local_version"`
	ServerVersion uint64      `json:"server_version"`
	Revision      uint64      `json:"revision"`
	State         State       `json:"state"`
	Held          bool        `json:"held,omitempty"` // 全量同步期间的编辑只保留在本地
	Rebased       bool        `json:"rebased,omitempty"`
}

type Snapshot struct {
	SectionID     string       `json:"section_id"`
	Content       string       `json:"content"`
	LocalVersion  uint64       `json:"local_version"`
	ServerVersion uint64       `json:"server_version"`
	Revision      uint64       `json:"revision"`
	State         string       `json:"state"`
	Pending       int          `json:"pending"`
	Selection     ws.Selection `json:"selection"`
	CanUndo       bool         `json:"can_undo"`
	CanRedo       bool         `json:"can_redo"`
}

type RemoteOperation struct {
	UserID        uint64
	ClientID      string
	OperationID   string
	ServerVersion uint64
	Ops           delta.Delta
}

// revisionEntry buffer 的一次变化。inv 把变化后的文本还原回去，
// first 表示同一位置插入时这次变化的文本排在编辑器后提交的文本前面
type revisionEntry struct {
	rev   uint64
	ops   delta.Delta
	inv   delta.Delta
	first bool
}

// Document 单个编辑区域的协作状态：内容、版本号、在途/待发队列、撤销栈和计时器。
// 所有入口方法都可以从不同 goroutine 调用，内部用 mu 串行化。
type Document struct {
	mu  sync.Mutex
	cfg Config

	sectionID string
	userID    uint64
	clientID  string

	buf           Buffer
	localVersion  uint64
	serverVersion uint64
	selection     ws.Selection
	// revision 每次 buffer 变化都加一，全量同步也算；编辑器用它标明提交的文本基于哪个版本
	revision      uint64
	history       []revisionEntry

	inFlight  *batch
	pending   []*batch
	resyncing bool
	// 自上次与服务端对齐以来有没有未确认的本地修改
	dirty bool

	undo []delta.Delta
	redo []delta.Delta

	timer timer.Timer
	retry backoff.BackOff

	closed bool

	sender   Sender
	clock    timer.Clock
	reporter report.Reporter
	drafts   DraftSaver
	listener Listener
	logger   *log.Logger
}

func NewDocument(opts Options, cfg Config, deps Deps) *Document {
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if deps.Clock == nil {
		deps.Clock = timer.Real()
	}
	if deps.Reporter == nil {
		deps.Reporter = report.LogReporter{Logger: deps.Logger}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	d := &Document{
		cfg:           cfg,
		sectionID:     opts.SectionID,
		userID:        opts.UserID,
		clientID:      opts.ClientID,
		buf:           NewBuffer(cfg.Buffer, opts.Content),
		localVersion:  opts.Version,
		serverVersion: opts.Version,
		sender:        deps.Sender,
		clock:         deps.Clock,
		reporter:      deps.Reporter,
		drafts:        deps.Drafts,
		listener:      deps.Listener,
		logger:        deps.Logger,
	}
	d.retry = d.newRetry()
	return d
}

func (d *Document) newRetry() backoff.BackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.RetransmitBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         d.cfg.MaxRetransmitBackoff,
		MaxElapsedTime:      0,
		Clock:               d.clock,
	}
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = DefaultConfig().RetransmitBackoff
	}
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.Reset()
	return backoff.WithMaxRetries(eb, d.cfg.MaxRetransmits)
}

func (d *Document) SectionID() string { return d.sectionID }
func (d *Document) ClientID() string  { return d.clientID }

func (d *Document) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		SectionID:     d.sectionID,
		Content:       d.buf.String(),
		LocalVersion:  d.localVersion,
		ServerVersion: d.serverVersion,
		Revision:      d.revision,
		State:         d.stateLocked().String(),
		Pending:       d.unackedLocked(),
		Selection:     d.selection,
		CanUndo:       len(d.undo) > 0,
		CanRedo:       len(d.redo) > 0,
	}
}

func (d *Document) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

func (d *Document) stateLocked() State {
	switch {
	case d.resyncing:
		return StateResyncing
	case d.inFlight == nil:
		return StateIdle
	case len(d.pending) == 0:
		return StateAwaitingAck
	default:
		return StateAwaitingAckQueued
	}
}

func (d *Document) unackedLocked() int {
	n := len(d.pending)
	if d.inFlight != nil {
		n++
	}
	return n
}

// OnLocalEdit 生成 -> 入队 -> 本地应用 -> 空闲时发送
func (d *Document) OnLocalEdit(newContent string, sel ws.Selection) (EditResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return EditResult{}, ErrClosed
	}
	res, fx, err := d.localEditLocked(newContent, sel, true)
	d.mu.Unlock()
	fx.run(d)
	return res, err
}

// OnLocalEditAt 编辑器提交的整段文本基于 base 修订版。期间落地的远端修改不会被当成本地删除，
// 而是先对旧内容做 diff，再依次对之后的修改做变换
func (d *Document) OnLocalEditAt(base uint64, newContent string, sel ws.Selection) (EditResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return EditResult{}, ErrClosed
	}
	rebased := base != d.revision
	content, sel, err := d.rebaseLocked(base, newContent, sel)
	if err != nil {
		d.mu.Unlock()
		return EditResult{}, err
	}
	res, fx, err := d.localEditLocked(content, sel, true)
	if err == nil && rebased {
		res.Rebased = true
		if len(res.Ops) > 0 {
			// 编辑器手里的文本已经过期，要整段刷新
			fx.change = &ContentChange{Content: content, Ops: res.Ops, Selection: sel, AuthorID: d.userID}
		}
	}
	d.mu.Unlock()
	fx.run(d)
	return res, err
}

func (d *Document) rebaseLocked(base uint64, text string, sel ws.Selection) (string, ws.Selection, error) {
	if base == d.revision {
		return text, sel, nil
	}
	if base > d.revision || len(d.history) == 0 || d.history[0].rev > base+1 {
		return "", sel, fmt.Errorf("%w: base=%d current=%d", ErrStaleBase, base, d.revision)
	}
	i := len(d.history)
	for i > 0 && d.history[i-1].rev > base {
		i--
	}
	since := d.history[i:]
	old := d.buf.String()
	for j := len(since) - 1; j >= 0; j-- {
		old = delta.Apply(old, since[j].inv)
	}
	edit := delta.Generate(old, text)
	for _, c := range since {
		var shifted delta.Delta
		shifted, edit = delta.Transform(c.ops, edit, c.first)
		sel = ws.Selection{
			Start: delta.TransformIndex(shifted, sel.Start, false),
			End:   delta.TransformIndex(shifted, sel.End, false),
		}
	}
	return delta.Apply(d.buf.String(), edit), sel, nil
}

func (d *Document) recordLocked(ops delta.Delta, old string, first bool) {
	d.revision++
	if d.cfg.RebaseDepth <= 0 {
		d.history = nil
		return
	}
	d.history = append(d.history, revisionEntry{rev: d.revision, ops: ops, inv: delta.Invert(ops, old), first: first})
	if over := len(d.history) - d.cfg.RebaseDepth; over > 0 {
		d.history = append([]revisionEntry(nil), d.history[over:]...)
	}
}

func (d *Document) localEditLocked(newContent string, sel ws.Selection, recordUndo bool) (EditResult, effects, error) {
	var fx effects
	old := d.buf.String()
	d.selection = sel
	ops := delta.Generate(old, newContent)
	if len(ops) == 0 {
		return d.resultLocked("", nil), fx, nil
	}
	if err := d.buf.Apply(ops); err != nil {
		// Generate 基于当前 buffer，不应该走到这里
		return EditResult{}, fx, err
	}
	d.recordLocked(ops, old, true)
	if recordUndo {
		d.pushUndoLocked(delta.Invert(ops, old))
		d.redo = nil
	}
	d.dirty = true

	if d.resyncing {
		res := d.resultLocked("", ops)
		res.Held = true
		return res, fx, nil
	}

	d.localVersion++
	b := &batch{id: uuid.NewString(), ops: ops}
	if d.inFlight == nil {
		d.transmitLocked(b, &fx)
	} else {
		d.pending = append(d.pending, b)
	}
	return d.resultLocked(b.id, ops), fx, nil
}

func (d *Document) resultLocked(opID string, ops delta.Delta) EditResult {
	return EditResult{
		OperationID:   opID,
		Ops:           ops,
		LocalVersion:  d.localVersion,
		ServerVersion: d.serverVersion,
		Revision:      d.revision,
		State:         d.stateLocked(),
	}
}

// OnAcknowledge 在途 batch 被服务端确认
func (d *Document) OnAcknowledge(operationID string, serverVersion uint64) {
	d.mu.Lock()
	if d.closed || d.resyncing {
		d.mu.Unlock()
		return
	}
	var fx effects
	b := d.inFlight
	if b == nil || (operationID != "" && operationID != b.id) {
		// 重传导致的重复确认，或者已经被全量同步丢弃的 batch
		d.logger.Printf("ignore ack section=%s op=%s", d.sectionID, operationID)
		d.mu.Unlock()
		return
	}
	if serverVersion != 0 && serverVersion != d.serverVersion+1 {
		d.requestResyncLocked("ack version gap", &fx)
		d.mu.Unlock()
		fx.run(d)
		return
	}

	d.stopTimerLocked()
	d.serverVersion++
	d.inFlight = nil
	if len(d.pending) > 0 {
		next := d.pending[0]
		d.pending = d.pending[1:]
		d.transmitLocked(next, &fx)
	} else {
		d.dirty = false
	}
	d.mu.Unlock()
	fx.run(d)
}

// OnRemoteOperation 远端 batch 依次对在途和待发 batch 做变换后应用到本地
func (d *Document) OnRemoteOperation(op RemoteOperation) {
	d.mu.Lock()
	if d.closed || d.resyncing {
		d.mu.Unlock()
		return
	}
	var fx effects
	if d.inFlight != nil && op.OperationID != "" && op.OperationID == d.inFlight.id {
		// 自己的操作被回显，等 ack 即可
		d.mu.Unlock()
		return
	}
	if op.ServerVersion != 0 && op.ServerVersion != d.serverVersion+1 {
		d.requestResyncLocked("remote version gap", &fx)
		d.mu.Unlock()
		fx.run(d)
		return
	}

	// 结构检查必须在变换之前做，变换会把非法 op 规整掉
	if err := delta.CheckOps(op.Ops); err != nil {
		d.rejectRemoteLocked(op, err, &fx)
		d.mu.Unlock()
		fx.run(d)
		return
	}
	localFirst := d.localFirst(op.UserID, op.ClientID)
	remote := op.Ops
	locals := d.unackedBatchesLocked()
	transformed := make([]delta.Delta, len(locals))
	for i, b := range locals {
		transformed[i], remote = delta.Transform(b.ops, remote, localFirst)
	}
	if err := delta.Validate(remote, d.buf.Len()); err != nil {
		d.rejectRemoteLocked(op, err, &fx)
		d.mu.Unlock()
		fx.run(d)
		return
	}
	old := d.buf.String()
	if err := d.buf.Apply(remote); err != nil {
		// buffer 状态不可信，不推进版本号，直接全量同步
		d.logger.Printf("apply remote operation failed section=%s user=%d op=%s err=%v", d.sectionID, op.UserID, op.OperationID, err)
		d.requestResyncLocked("apply remote operation failed", &fx)
		d.mu.Unlock()
		fx.run(d)
		return
	}

	for i, b := range locals {
		b.ops = transformed[i]
	}
	d.undo = transformStack(d.undo, remote)
	d.redo = transformStack(d.redo, remote)
	d.selection = ws.Selection{
		Start: delta.TransformIndex(remote, d.selection.Start, false),
		End:   delta.TransformIndex(remote, d.selection.End, false),
	}
	d.recordLocked(remote, old, !localFirst)
	d.serverVersion++
	d.localVersion++

	fx.change = &ContentChange{Content: d.buf.String(), Ops: remote, Selection: d.selection, AuthorID: op.UserID}
	d.mu.Unlock()
	fx.run(d)
}

func (d *Document) rejectRemoteLocked(op RemoteOperation, cause error, fx *effects) {
	err := fmt.Errorf("%w: %w", ErrMalformedRemote, cause)
	d.logger.Printf("remote operation rejected section=%s user=%d err=%v", d.sectionID, op.UserID, err)
	d.reportLocked(fx, report.EventMalformedRemote, op.OperationID, err.Error(), 0)
	d.requestResyncLocked("malformed remote operation", fx)
}

// OnExternalContent 全量同步：丢弃队列，直接采用服务端内容和版本
func (d *Document) OnExternalContent(content string, serverVersion uint64) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var fx effects
	old := d.buf.String()
	wasResyncing := d.resyncing
	if old != content {
		if d.dirty {
			fx.draft = &draftJob{base: d.serverVersion, content: old}
			fx.notice(NoticeWarn, "draft_saved", "unsynced changes saved as draft")
		}
		if !wasResyncing {
			d.logger.Printf("desync detected by snapshot section=%s local=%d server=%d", d.sectionID, d.localVersion, serverVersion)
			d.reportLocked(&fx, report.EventDesync, "", "snapshot disagrees with local buffer", 0)
		}
	}

	d.stopTimerLocked()
	d.inFlight = nil
	d.pending = nil
	d.undo = nil
	d.redo = nil
	d.resyncing = false
	d.dirty = false
	d.buf.Reset(content)
	// 全量替换之前的修订版都不能再变基
	d.revision++
	d.history = nil
	d.serverVersion = serverVersion
	d.localVersion = serverVersion
	n := d.buf.Len()
	d.selection = ws.Selection{Start: min(d.selection.Start, n), End: min(d.selection.End, n)}

	d.reportLocked(&fx, report.EventResyncApplied, "", "", 0)
	if wasResyncing {
		fx.notice(NoticeInfo, "resynced", "back in sync")
	}
	fx.change = &ContentChange{Content: content, Replaced: true, Selection: d.selection}
	d.mu.Unlock()
	fx.run(d)
}

// OnReconnect 连接恢复后立即重发在途 batch 或全量同步请求，不等超时
func (d *Document) OnReconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	switch {
	case d.resyncing:
		d.sendResyncRequestLocked()
	case d.inFlight != nil:
		d.retry.Reset()
		d.retransmitLocked(d.inFlight)
	}
}

func (d *Document) Undo() (EditResult, error) { return d.replayHistory(true) }
func (d *Document) Redo() (EditResult, error) { return d.replayHistory(false) }

func (d *Document) replayHistory(isUndo bool) (EditResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return EditResult{}, ErrClosed
	}
	from, to := &d.undo, &d.redo
	if !isUndo {
		from, to = &d.redo, &d.undo
	}
	if len(*from) == 0 {
		res := d.resultLocked("", nil)
		d.mu.Unlock()
		return res, nil
	}
	ops := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]

	old := d.buf.String()
	next := delta.Apply(old, ops)
	*to = append(*to, delta.Invert(ops, old))
	sel := ws.Selection{
		Start: delta.TransformIndex(ops, d.selection.Start, true),
		End:   delta.TransformIndex(ops, d.selection.End, true),
	}
	res, fx, err := d.localEditLocked(next, sel, false)
	if err == nil {
		fx.change = &ContentChange{Content: next, Ops: res.Ops, Selection: sel, AuthorID: d.userID}
	}
	d.mu.Unlock()
	fx.run(d)
	return res, err
}

// Teardown 释放所有计时器；还有未确认的修改时保存为草稿
func (d *Document) Teardown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.stopTimerLocked()
	var fx effects
	if d.dirty {
		fx.draft = &draftJob{base: d.serverVersion, content: d.buf.String()}
	}
	d.inFlight = nil
	d.pending = nil
	d.mu.Unlock()
	fx.run(d)
}

// localFirst 同一位置并发插入时的先后：user id 小的在前，同一用户再比 client id
func (d *Document) localFirst(remoteUser uint64, remoteClient string) bool {
	if d.userID != remoteUser {
		return d.userID < remoteUser
	}
	return d.clientID < remoteClient
}

func (d *Document) unackedBatchesLocked() []*batch {
	out := make([]*batch, 0, len(d.pending)+1)
	if d.inFlight != nil {
		out = append(out, d.inFlight)
	}
	return append(out, d.pending...)
}

func (d *Document) pushUndoLocked(inv delta.Delta) {
	if d.cfg.UndoDepth <= 0 {
		return
	}
	d.undo = append(d.undo, inv)
	if over := len(d.undo) - d.cfg.UndoDepth; over > 0 {
		d.undo = append([]delta.Delta(nil), d.undo[over:]...)
	}
}

// transformStack 栈顶基于当前文本，往下每一项基于上一项应用之后的文本
func transformStack(stack []delta.Delta, op delta.Delta) []delta.Delta {
	for i := len(stack) - 1; i >= 0; i-- {
		stack[i], op = delta.Transform(stack[i], op, false)
	}
	return stack
}

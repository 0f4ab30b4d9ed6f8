package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"collabClient/backend/internal/collab"
	"collabClient/backend/internal/cursor"
	"collabClient/backend/internal/format"
	"collabClient/backend/internal/presence"
	"collabClient/backend/internal/report"
	"collabClient/backend/internal/timer"
	"collabClient/backend/internal/ws"
)

var ErrSessionClosed = errors.New("SESSION_CLOSED")

const (
	restoreTimeout = 2 * time.Second
	reportTimeout  = 200 * time.Millisecond
)

// Transport 上行发送 + 按 section 订阅下行，ws.Client 和 relay.Redis 都实现了它
type Transport interface {
	Send(ctx context.Context, msg ws.ClientMessage) error
	Subscribe(sectionID string, fn ws.Handler) func()
}

type Config struct {
	Collab   collab.Config
	Cursor   cursor.Config
	Presence presence.Config
}

func DefaultConfig() Config {
	return Config{
		Collab:   collab.DefaultConfig(),
		Cursor:   cursor.DefaultConfig(),
		Presence: presence.DefaultConfig(),
	}
}

type Options struct {
	SurfaceID string
	SectionID string
	UserID    uint64
	Username  string
	ClientID  string
	Content   string
	Version   uint64
	Format    string
}

type Deps struct {
	Transport Transport
	Clock     timer.Clock
	Reporter  report.Reporter
	Drafts    collab.DraftSaver
	Store     cursor.Store
	Measurer  cursor.Measurer
	Publisher Publisher
	Logger    *log.Logger
}

// Session 一个已挂载的编辑区域：文档状态、光标、输入状态和格式化规则
type Session struct {
	id        string
	sectionID string
	userID    uint64
	username  string

	doc      *collab.Document
	cursors  *cursor.Synchronizer
	typing   *presence.Broadcaster
	strategy format.Strategy

	transport   Transport
	unsubscribe func()
	store       cursor.Store
	reporter    report.Reporter
	publisher   Publisher
	logger      *log.Logger

	// applyMu 让下行消息和本地编辑按落地顺序平移光标，Document 回调 ContentChanged 时已持有
	applyMu sync.Mutex

	mu     sync.Mutex
	typers map[uint64]string
	closed bool
}

func New(opts Options, cfg Config, deps Deps) (*Session, error) {
	strategy, err := format.Lookup(opts.Format)
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Clock == nil {
		deps.Clock = timer.Real()
	}
	if deps.Reporter == nil {
		deps.Reporter = report.LogReporter{Logger: deps.Logger}
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	s := &Session{
		id:        opts.SurfaceID,
		sectionID: opts.SectionID,
		userID:    opts.UserID,
		username:  opts.Username,
		strategy:  strategy,
		transport: deps.Transport,
		store:     deps.Store,
		reporter:  deps.Reporter,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		typers:    make(map[uint64]string),
	}
	s.doc = collab.NewDocument(collab.Options{
		SectionID: opts.SectionID,
		UserID:    opts.UserID,
		ClientID:  opts.ClientID,
		Content:   opts.Content,
		Version:   opts.Version,
	}, cfg.Collab, collab.Deps{
		Sender:   deps.Transport,
		Clock:    deps.Clock,
		Reporter: deps.Reporter,
		Drafts:   deps.Drafts,
		Listener: s,
		Logger:   deps.Logger,
	})
	s.cursors = cursor.NewSynchronizer(cursor.Options{
		SectionID: opts.SectionID,
		UserID:    opts.UserID,
		Username:  opts.Username,
		Content:   opts.Content,
	}, cfg.Cursor, cursor.Deps{
		Sender:   deps.Transport,
		Clock:    deps.Clock,
		Measurer: deps.Measurer,
		Store:    deps.Store,
		Render:   s.renderMarkers,
		Logger:   deps.Logger,
	})
	s.typing = presence.NewBroadcaster(opts.SectionID, cfg.Presence, presence.Deps{
		Sender: deps.Transport,
		Clock:  deps.Clock,
		Logger: deps.Logger,
	})
	return s, nil
}

// Start 订阅下行消息，宣告在线，并恢复已有协作者的光标
func (s *Session) Start(ctx context.Context) {
	s.unsubscribe = s.transport.Subscribe(s.sectionID, s.handle)
	s.typing.Start()
	ctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	if err := s.cursors.Restore(ctx); err != nil {
		s.logger.Printf("restore collaborators failed section=%s err=%v", s.sectionID, err)
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) SectionID() string { return s.sectionID }
func (s *Session) UserID() uint64    { return s.userID }
func (s *Session) Format() string    { return s.strategy.Name() }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handle 按消息类型分发下行消息
func (s *Session) handle(msg ws.ServerMessage) {
	if s.isClosed() {
		return
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	switch msg.Type {
	case ws.TypeOperationAcknowledged:
		s.doc.OnAcknowledge(msg.OperationID, msg.ServerVersion)
		s.publishState()
	case ws.TypeApplyRemoteOperation:
		s.doc.OnRemoteOperation(collab.RemoteOperation{
			UserID:        msg.UserID,
			ClientID:      msg.ClientID,
			OperationID:   msg.OperationID,
			ServerVersion: msg.ServerVersion,
			Ops:           msg.Operation,
		})
		s.publishState()
	case ws.TypeExternalContentUpdate:
		s.doc.OnExternalContent(msg.Content, msg.ServerVersion)
		s.publishState()
	case ws.TypeCollaboratorCursorUpdate:
		s.cursors.OnRemoteCursor(msg)
	case ws.TypeCollaboratorTyping:
		if msg.UserID == s.userID {
			return
		}
		s.cursors.OnRemoteTyping(msg.UserID, msg.Username, msg.Typing)
		s.setTyper(msg.UserID, msg.Username, msg.Typing)
	case ws.TypeCollaboratorLeft:
		if msg.UserID == s.userID {
			return
		}
		s.cursors.OnCollaboratorLeft(msg.UserID)
		s.setTyper(msg.UserID, "", false)
	case ws.TypeReconnected:
		s.doc.OnReconnect()
		s.Notify(collab.Notice{Level: collab.NoticeInfo, Code: "reconnected", Message: "connection restored"})
	case ws.TypeError:
		s.logger.Printf("collab server error section=%s err=%s", s.sectionID, msg.Error)
		s.Notify(collab.Notice{Level: collab.NoticeWarn, Code: "server_error", Message: msg.Error})
	default:
		s.logger.Printf("unknown message type section=%s type=%s", s.sectionID, msg.Type)
	}
}

// ContentChanged 远端操作、全量同步、撤销重做之后由 Document 回调
func (s *Session) ContentChanged(change collab.ContentChange) {
	if change.Replaced {
		s.cursors.Reset(change.Content)
	} else {
		s.cursors.OnContentMutation(change.Content, change.Ops)
	}
	s.publish(EventContent, ContentData{
		Content:   change.Content,
		Selection: change.Selection,
		AuthorID:  change.AuthorID,
		Replaced:  change.Replaced,
	})
}

func (s *Session) Notify(n collab.Notice) {
	s.publish(EventNotice, n)
}

func (s *Session) renderMarkers(markers []cursor.Marker) {
	s.publish(EventMarkers, markers)
}

func (s *Session) publish(kind string, data any) {
	s.publisher.Broadcast(s.id, Event{Type: kind, SurfaceID: s.id, Data: data})
}

func (s *Session) publishState() {
	s.publish(EventState, s.doc.Snapshot())
}

func (s *Session) setTyper(userID uint64, username string, typing bool) {
	s.mu.Lock()
	_, was := s.typers[userID]
	if typing {
		s.typers[userID] = username
	} else {
		delete(s.typers, userID)
	}
	changed := was != typing
	users := s.typersLocked()
	s.mu.Unlock()
	if changed {
		s.publish(EventTyping, TypingData{Users: users})
	}
}

func (s *Session) typersLocked() []Typer {
	out := make([]Typer, 0, len(s.typers))
	for id, name := range s.typers {
		out = append(out, Typer{UserID: id, Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// EditOutcome 格式化规则可能改写文本，调用方要以这里的内容为准
type EditOutcome struct {
	Result    collab.EditResult `json:"result"`
	Content   string            `json:"content"`
	Selection ws.Selection      `json:"selection"`
	Formatted bool              `json:"formatted"`
}

// Edit 本地编辑：格式化 -> 交给 Document -> 平移远端光标 -> 广播光标和输入状态。
// text 视为基于当前内容
func (s *Session) Edit(text string, sel ws.Selection) (EditOutcome, error) {
	return s.edit(text, sel, s.doc.OnLocalEdit)
}

// EditAt text 基于 base 修订版，期间的远端修改会保留下来
func (s *Session) EditAt(base uint64, text string, sel ws.Selection) (EditOutcome, error) {
	return s.edit(text, sel, func(content string, sel ws.Selection) (collab.EditResult, error) {
		return s.doc.OnLocalEditAt(base, content, sel)
	})
}

func (s *Session) edit(text string, sel ws.Selection, apply func(string, ws.Selection) (collab.EditResult, error)) (EditOutcome, error) {
	if s.isClosed() {
		return EditOutcome{}, ErrSessionClosed
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	formatted, caret := s.strategy.Format(text, sel.End)
	out := EditOutcome{Content: formatted, Selection: sel, Formatted: formatted != text}
	if out.Formatted {
		n := utf8.RuneCountInString(formatted)
		out.Selection = ws.Selection{Start: min(sel.Start, n), End: caret}
		if sel.Start == sel.End {
			out.Selection.Start = caret
		}
	}

	res, err := apply(formatted, out.Selection)
	if err != nil {
		return EditOutcome{}, fmt.Errorf("local edit: %w", err)
	}
	out.Result = res
	if res.Rebased {
		// 变基后的内容和光标以 Document 为准，光标平移和内容广播已经由 ContentChanged 做过
		snap := s.doc.Snapshot()
		out.Content, out.Selection = snap.Content, snap.Selection
		if len(res.Ops) > 0 {
			s.typing.Keystroke()
		}
	} else if len(res.Ops) > 0 {
		s.cursors.OnContentMutation(formatted, res.Ops)
		s.typing.Keystroke()
		if out.Formatted {
			s.publish(EventContent, ContentData{Content: formatted, Selection: out.Selection, AuthorID: s.userID})
		}
	}
	s.cursors.OnLocalSelection(out.Content, out.Selection.Start, out.Selection.End)
	s.publishState()
	return out, nil
}

// Select 只移动了光标或选区
func (s *Session) Select(sel ws.Selection) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.cursors.OnLocalSelection(s.doc.Snapshot().Content, sel.Start, sel.End)
	return nil
}

func (s *Session) Focus() error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.typing.Focus()
	return nil
}

func (s *Session) Blur() error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.typing.Blur()
	return nil
}

func (s *Session) Submit() error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.typing.Submit()
	return nil
}

func (s *Session) Undo() (collab.EditResult, error) {
	return s.replay(s.doc.Undo)
}

func (s *Session) Redo() (collab.EditResult, error) {
	return s.replay(s.doc.Redo)
}

func (s *Session) replay(fn func() (collab.EditResult, error)) (collab.EditResult, error) {
	if s.isClosed() {
		return collab.EditResult{}, ErrSessionClosed
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	res, err := fn()
	if err != nil {
		return res, err
	}
	if len(res.Ops) > 0 {
		s.typing.Keystroke()
	}
	s.publishState()
	return res, nil
}

// DeviceError 麦克风/摄像头等输入设备不可用，只提示，不影响文本协作
func (s *Session) DeviceError(device, detail string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.logger.Printf("input device unavailable section=%s user=%d device=%s detail=%s", s.sectionID, s.userID, device, detail)
	snap := s.doc.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := s.reporter.Enqueue(ctx, report.SyncEvent{
		EventType:     report.EventDeviceError,
		SectionID:     s.sectionID,
		UserID:        s.userID,
		ClientID:      s.doc.ClientID(),
		LocalVersion:  snap.LocalVersion,
		ServerVersion: snap.ServerVersion,
		Detail:        device + ": " + detail,
		At:            time.Now(),
	}); err != nil {
		s.logger.Printf("report device error failed section=%s err=%v", s.sectionID, err)
	}
	s.Notify(collab.Notice{
		Level:   collab.NoticeWarn,
		Code:    "device_error",
		Message: device + " unavailable, text editing continues",
	})
	return nil
}

func (s *Session) View() View {
	s.mu.Lock()
	typers := s.typersLocked()
	s.mu.Unlock()
	return View{
		SurfaceID: s.id,
		UserID:    s.userID,
		Format:    s.strategy.Name(),
		Document:  s.doc.Snapshot(),
		Markers:   s.cursors.Markers(),
		Typing:    typers,
	}
}

// Collaborators 共享存储里还在线的协作者；没有共享存储时退回本地标记
func (s *Session) Collaborators(ctx context.Context) ([]cursor.Collaborator, error) {
	if s.store != nil {
		return s.store.Alive(ctx, s.sectionID)
	}
	markers := s.cursors.Markers()
	out := make([]cursor.Collaborator, 0, len(markers))
	for _, m := range markers {
		out = append(out, cursor.Collaborator{
			UserID:   m.UserID,
			Username: m.Username,
			Color:    m.Color,
			Position: ws.CursorPosition{
				Offset:         m.Offset,
				Line:           m.Line,
				Column:         m.Column,
				SelectionStart: m.SelectionStart,
				SelectionEnd:   m.SelectionEnd,
			},
			LastActivity: m.LastActivity,
		})
	}
	return out, nil
}

// Teardown 退订、宣告离开、释放所有计时器；未确认的文本由 Document 存为草稿
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.typing.Teardown()
	s.cursors.Teardown()
	s.doc.Teardown()
}

package cursor

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"collabClient/backend/internal/ot/delta"
	"collabClient/backend/internal/timer"
	"collabClient/backend/internal/ws"
)

const storeTimeout = 500 * time.Millisecond

type Sender interface {
	Send(ctx context.Context, msg ws.ClientMessage) error
}

// Marker 一个远端协作者在本地编辑区域里的光标标记
type Marker struct {
	UserID         uint64    `json:"user_id"`
	Username       string    `json:"username"`
	Color          string    `json:"color"`
	Offset         int       `json:"offset"`
	Line           int       `json:"line"`
	Column         int       `json:"column"`
	SelectionStart int       `json:"selection_start"`
	SelectionEnd   int       `json:"selection_end"`
	Point          Point     `json:"point"`
	Visible        bool      `json:"visible"`
	Typing         bool      `json:"typing"`
	LastActivity   time.Time `json:"last_activity"`
}

type Config struct {
	BroadcastInterval time.Duration
	InactivityTimeout time.Duration
	StoreTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		BroadcastInterval: 100 * time.Millisecond,
		InactivityTimeout: 10 * time.Second,
		StoreTTL:          60 * time.Second,
	}
}

type Options struct {
	SectionID string
	UserID    uint64
	Username  string
	Content   string
}

type Deps struct {
	Sender   Sender
	Clock    timer.Clock
	Measurer Measurer
	Store    Store
	// Render 每次标记变化后调用，不持锁
	Render func(markers []Marker)
	Logger *log.Logger
}

type remote struct {
	marker Marker
	fade   timer.Timer
}

// Synchronizer 本地光标的节流广播 + 远端光标标记的维护
type Synchronizer struct {
	mu  sync.Mutex
	cfg Config

	sectionID string
	userID    uint64
	username  string
	content   string

	local    ws.CursorPosition
	dirty    bool // local 还没发出去
	lastSent time.Time
	throttle timer.Timer

	remotes map[uint64]*remote
	closed  bool

	sender   Sender
	clock    timer.Clock
	measurer Measurer
	store    Store
	render   func([]Marker)
	logger   *log.Logger
}

func NewSynchronizer(opts Options, cfg Config, deps Deps) *Synchronizer {
	def := DefaultConfig()
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = def.BroadcastInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.StoreTTL <= 0 {
		cfg.StoreTTL = def.StoreTTL
	}
	if deps.Clock == nil {
		deps.Clock = timer.Real()
	}
	if deps.Measurer == nil {
		deps.Measurer = Monospace{LineHeight: 20, CharWidth: 8}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &Synchronizer{
		cfg:       cfg,
		sectionID: opts.SectionID,
		userID:    opts.UserID,
		username:  opts.Username,
		content:   opts.Content,
		remotes:   make(map[uint64]*remote),
		sender:    deps.Sender,
		clock:     deps.Clock,
		measurer:  deps.Measurer,
		store:     deps.Store,
		render:    deps.Render,
		logger:    deps.Logger,
	}
}

// OnLocalSelection 每个广播窗口最多发一次，窗口内以最后一次为准
func (s *Synchronizer) OnLocalSelection(content string, start, end int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.content = content
	p := Locate(content, end)
	s.local = ws.CursorPosition{
		Offset:         p.Offset,
		Line:           p.Line,
		Column:         p.Column,
		SelectionStart: Locate(content, start).Offset,
		SelectionEnd:   p.Offset,
	}
	s.dirty = true
	if s.throttle != nil {
		return
	}
	wait := s.cfg.BroadcastInterval - s.clock.Now().Sub(s.lastSent)
	if s.lastSent.IsZero() || wait <= 0 {
		s.flushLocked()
		return
	}
	s.throttle = s.clock.AfterFunc(wait, s.onThrottle)
}

func (s *Synchronizer) onThrottle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttle = nil
	if s.closed || !s.dirty {
		return
	}
	s.flushLocked()
}

func (s *Synchronizer) flushLocked() {
	s.dirty = false
	s.lastSent = s.clock.Now()
	if s.sender == nil {
		return
	}
	pos := s.local
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := s.sender.Send(ctx, ws.ClientMessage{Type: ws.TypeCursorUpdate, SectionID: s.sectionID, Position: &pos})
	if err != nil {
		s.logger.Printf("send cursor_update failed section=%s err=%v", s.sectionID, err)
	}
}

// LocalPosition 最近一次本地光标
func (s *Synchronizer) LocalPosition() ws.CursorPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// OnRemoteCursor 新建或刷新协作者标记，重新计时淡出
func (s *Synchronizer) OnRemoteCursor(msg ws.ServerMessage) {
	if msg.CursorPosition == nil {
		return
	}
	s.mu.Lock()
	if s.closed || msg.UserID == s.userID {
		s.mu.Unlock()
		return
	}
	r := s.touchLocked(msg.UserID, msg.Username)
	n := utf8.RuneCountInString(s.content)
	r.marker.Offset = clamp(msg.CursorPosition.Offset, n)
	r.marker.SelectionStart = clamp(msg.CursorPosition.SelectionStart, n)
	r.marker.SelectionEnd = clamp(msg.CursorPosition.SelectionEnd, n)
	s.placeLocked(r)
	c := s.collaboratorLocked(r)
	markers := s.markersLocked()
	s.mu.Unlock()

	s.persist(c)
	s.emit(markers)
}

// OnRemoteTyping 远端开始/停止输入，同样算一次活动
func (s *Synchronizer) OnRemoteTyping(userID uint64, username string, typing bool) {
	s.mu.Lock()
	if s.closed || userID == s.userID {
		s.mu.Unlock()
		return
	}
	r := s.touchLocked(userID, username)
	r.marker.Typing = typing
	markers := s.markersLocked()
	s.mu.Unlock()
	s.emit(markers)
}

func (s *Synchronizer) touchLocked(userID uint64, username string) *remote {
	r, ok := s.remotes[userID]
	if !ok {
		r = &remote{marker: Marker{UserID: userID, Color: ColorFor(userID)}}
		s.remotes[userID] = r
		s.placeLocked(r)
	}
	if username != "" {
		r.marker.Username = username
	}
	r.marker.Visible = true
	r.marker.LastActivity = s.clock.Now()
	s.armFadeLocked(r, s.cfg.InactivityTimeout)
	return r
}

func (s *Synchronizer) armFadeLocked(r *remote, after time.Duration) {
	if r.fade != nil {
		r.fade.Stop()
	}
	userID := r.marker.UserID
	r.fade = s.clock.AfterFunc(after, func() { s.onFade(userID, r) })
}

func (s *Synchronizer) onFade(userID uint64, r *remote) {
	s.mu.Lock()
	if s.closed || s.remotes[userID] != r {
		s.mu.Unlock()
		return
	}
	r.fade = nil
	r.marker.Visible = false
	r.marker.Typing = false
	markers := s.markersLocked()
	s.mu.Unlock()
	s.emit(markers)
}

// OnContentMutation 本地或远端的 batch 应用之后平移所有远端标记
func (s *Synchronizer) OnContentMutation(content string, d delta.Delta) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.content = content
	n := utf8.RuneCountInString(content)
	for _, r := range s.remotes {
		r.marker.Offset = clamp(delta.TransformIndex(d, r.marker.Offset, true), n)
		r.marker.SelectionStart = clamp(delta.TransformIndex(d, r.marker.SelectionStart, true), n)
		r.marker.SelectionEnd = clamp(delta.TransformIndex(d, r.marker.SelectionEnd, true), n)
		s.placeLocked(r)
	}
	markers := s.markersLocked()
	s.mu.Unlock()
	s.emit(markers)
}

// Reset 内容被整体替换，偏移量只能钳到新长度
func (s *Synchronizer) Reset(content string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.content = content
	n := utf8.RuneCountInString(content)
	for _, r := range s.remotes {
		r.marker.Offset = clamp(r.marker.Offset, n)
		r.marker.SelectionStart = clamp(r.marker.SelectionStart, n)
		r.marker.SelectionEnd = clamp(r.marker.SelectionEnd, n)
		s.placeLocked(r)
	}
	markers := s.markersLocked()
	s.mu.Unlock()
	s.emit(markers)
}

// OnCollaboratorLeft 收到明确的离开信号，标记整个移除
func (s *Synchronizer) OnCollaboratorLeft(userID uint64) {
	s.mu.Lock()
	r, ok := s.remotes[userID]
	if s.closed || !ok {
		s.mu.Unlock()
		return
	}
	if r.fade != nil {
		r.fade.Stop()
	}
	delete(s.remotes, userID)
	markers := s.markersLocked()
	s.mu.Unlock()

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.store.Remove(ctx, s.sectionID, userID); err != nil {
			s.logger.Printf("remove collaborator failed section=%s user=%d err=%v", s.sectionID, userID, err)
		}
	}
	s.emit(markers)
}

// Restore 挂载时从共享存储恢复还在线的协作者
func (s *Synchronizer) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	alive, err := s.store.Alive(ctx, s.sectionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	now := s.clock.Now()
	n := utf8.RuneCountInString(s.content)
	for _, c := range alive {
		if c.UserID == s.userID {
			continue
		}
		if _, ok := s.remotes[c.UserID]; ok {
			continue
		}
		r := &remote{marker: Marker{
			UserID:         c.UserID,
			Username:       c.Username,
			Color:          c.Color,
			Offset:         clamp(c.Position.Offset, n),
			SelectionStart: clamp(c.Position.SelectionStart, n),
			SelectionEnd:   clamp(c.Position.SelectionEnd, n),
			LastActivity:   c.LastActivity,
		}}
		if r.marker.Color == "" {
			r.marker.Color = ColorFor(c.UserID)
		}
		if left := s.cfg.InactivityTimeout - now.Sub(c.LastActivity); left > 0 {
			r.marker.Visible = true
			s.armFadeLocked(r, left)
		}
		s.placeLocked(r)
		s.remotes[c.UserID] = r
	}
	markers := s.markersLocked()
	s.mu.Unlock()
	s.emit(markers)
	return nil
}

func (s *Synchronizer) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markersLocked()
}

// Teardown 停掉节流和所有淡出计时器
func (s *Synchronizer) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.throttle != nil {
		s.throttle.Stop()
		s.throttle = nil
	}
	for _, r := range s.remotes {
		if r.fade != nil {
			r.fade.Stop()
			r.fade = nil
		}
	}
}

func (s *Synchronizer) placeLocked(r *remote) {
	p := Locate(s.content, r.marker.Offset)
	r.marker.Line = p.Line
	r.marker.Column = p.Column
	r.marker.Point = s.measurer.Measure(s.content, p)
}

func (s *Synchronizer) markersLocked() []Marker {
	out := make([]Marker, 0, len(s.remotes))
	for _, r := range s.remotes {
		out = append(out, r.marker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Synchronizer) collaboratorLocked(r *remote) Collaborator {
	m := r.marker
	return Collaborator{
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
	}
}

func (s *Synchronizer) persist(c Collaborator) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Touch(ctx, s.sectionID, c, s.cfg.StoreTTL); err != nil {
		s.logger.Printf("store collaborator failed section=%s user=%d err=%v", s.sectionID, c.UserID, err)
	}
}

func (s *Synchronizer) emit(markers []Marker) {
	if s.render != nil {
		s.render(markers)
	}
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v > n {
		return n
	}
	return v
}

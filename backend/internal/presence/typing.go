package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"collabClient/backend/internal/timer"
	"collabClient/backend/internal/ws"
)

const (
	Active = "active"
	Idle   = "idle"
	Left   = "left"
)

const sendTimeout = 200 * time.Millisecond

type Sender interface {
	Send(ctx context.Context, msg ws.ClientMessage) error
}

type Config struct {
	// 最后一次按键之后多久发 typing_stop
	TypingQuiet       time.Duration
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{TypingQuiet: 2 * time.Second, HeartbeatInterval: 30 * time.Second}
}

type Deps struct {
	Sender Sender
	Clock  timer.Clock
	Logger *log.Logger
}

// Broadcaster 输入状态和在线状态。typing_start 只在状态翻转时发一次
type Broadcaster struct {
	mu        sync.Mutex
	cfg       Config
	sectionID string

	typing    bool
	presence  string
	quiet     timer.Timer
	heartbeat timer.Timer
	started   bool
	closed    bool

	sender Sender
	clock  timer.Clock
	logger *log.Logger
}

func NewBroadcaster(sectionID string, cfg Config, deps Deps) *Broadcaster {
	def := DefaultConfig()
	if cfg.TypingQuiet <= 0 {
		cfg.TypingQuiet = def.TypingQuiet
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if deps.Clock == nil {
		deps.Clock = timer.Real()
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &Broadcaster{
		cfg:       cfg,
		sectionID: sectionID,
		presence:  Active,
		sender:    deps.Sender,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}
}

// Start 宣告 active 并开始心跳
func (b *Broadcaster) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.started {
		return
	}
	b.started = true
	b.sendPresenceLocked()
	b.heartbeat = b.clock.AfterFunc(b.cfg.HeartbeatInterval, b.onHeartbeat)
}

func (b *Broadcaster) onHeartbeat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.sendPresenceLocked()
	b.heartbeat = b.clock.AfterFunc(b.cfg.HeartbeatInterval, b.onHeartbeat)
}

// Keystroke 每次按键调用；重新计时静默窗口
func (b *Broadcaster) Keystroke() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if !b.typing {
		b.typing = true
		b.sendLocked(ws.ClientMessage{Type: ws.TypeTypingStart, SectionID: b.sectionID})
	}
	if b.quiet != nil {
		b.quiet.Stop()
	}
	b.quiet = b.clock.AfterFunc(b.cfg.TypingQuiet, b.onQuiet)
}

func (b *Broadcaster) onQuiet() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.quiet = nil
	b.stopTypingLocked()
}

// Submit 提交时立即结束输入状态
func (b *Broadcaster) Submit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.stopTypingLocked()
}

// Blur 失焦：结束输入状态并切到 idle
func (b *Broadcaster) Blur() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.stopTypingLocked()
	b.setPresenceLocked(Idle)
}

func (b *Broadcaster) Focus() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.setPresenceLocked(Active)
}

func (b *Broadcaster) Typing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.typing
}

func (b *Broadcaster) Presence() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.presence
}

// Teardown 停掉所有计时器，补发 typing_stop 和 left
func (b *Broadcaster) Teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.stopTypingLocked()
	if b.heartbeat != nil {
		b.heartbeat.Stop()
		b.heartbeat = nil
	}
	b.presence = Left
	b.sendPresenceLocked()
	b.closed = true
}

func (b *Broadcaster) stopTypingLocked() {
	if b.quiet != nil {
		b.quiet.Stop()
		b.quiet = nil
	}
	if !b.typing {
		return
	}
	b.typing = false
	b.sendLocked(ws.ClientMessage{Type: ws.TypeTypingStop, SectionID: b.sectionID})
}

func (b *Broadcaster) setPresenceLocked(p string) {
	if b.presence == p {
		return
	}
	b.presence = p
	b.sendPresenceLocked()
}

func (b *Broadcaster) sendPresenceLocked() {
	b.sendLocked(ws.ClientMessage{Type: ws.TypePresenceUpdate, SectionID: b.sectionID, Presence: b.presence})
}

func (b *Broadcaster) sendLocked(msg ws.ClientMessage) {
	if b.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := b.sender.Send(ctx, msg); err != nil {
		b.logger.Printf("send %s failed section=%s err=%v", msg.Type, b.sectionID, err)
	}
}

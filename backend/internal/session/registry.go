package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

var ErrSurfaceNotFound = errors.New("SURFACE_NOT_FOUND")

// Dialer 为挂载的用户拿到上行通道；按用户复用连接时同一用户返回同一个 Transport
type Dialer func(ctx context.Context, userID uint64, token string) (Transport, error)

type MountRequest struct {
	SectionID string
	UserID    uint64
	Username  string
	Token     string
	ClientID  string
	Content   string
	Version   uint64
	Format    string
}

// Registry surface id -> Session。一个页面可以同时挂载多个互不干扰的编辑区域
type Registry struct {
	cfg     Config
	deps    Deps
	dial    Dialer
	onClose func(surfaceID string)
	logger  *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry deps.Transport 被忽略，每次挂载通过 dial 获取；onClose 在卸载后调用（比如断开视图）
func NewRegistry(cfg Config, deps Deps, dial Dialer, onClose func(surfaceID string)) *Registry {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if onClose == nil {
		onClose = func(string) {}
	}
	return &Registry{
		cfg:      cfg,
		deps:     deps,
		dial:     dial,
		onClose:  onClose,
		logger:   deps.Logger,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Mount(ctx context.Context, req MountRequest) (*Session, error) {
	if req.SectionID == "" {
		return nil, errors.New("section_id is required")
	}
	transport, err := r.dial(ctx, req.UserID, req.Token)
	if err != nil {
		return nil, fmt.Errorf("connect upstream: %w", err)
	}
	deps := r.deps
	deps.Transport = transport
	s, err := New(Options{
		SurfaceID: uuid.NewString(),
		SectionID: req.SectionID,
		UserID:    req.UserID,
		Username:  req.Username,
		ClientID:  req.ClientID,
		Content:   req.Content,
		Version:   req.Version,
		Format:    req.Format,
	}, r.cfg, deps)
	if err != nil {
		return nil, err
	}
	s.Start(ctx)

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	r.logger.Printf("surface mounted surface=%s section=%s user=%d format=%s", s.ID(), s.SectionID(), s.UserID(), s.Format())
	return s, nil
}

func (r *Registry) Get(surfaceID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[surfaceID]
	if !ok {
		return nil, ErrSurfaceNotFound
	}
	return s, nil
}

func (r *Registry) Unmount(surfaceID string) error {
	r.mu.Lock()
	s, ok := r.sessions[surfaceID]
	delete(r.sessions, surfaceID)
	r.mu.Unlock()
	if !ok {
		return ErrSurfaceNotFound
	}
	s.Teardown()
	r.onClose(surfaceID)
	r.logger.Printf("surface unmounted surface=%s section=%s user=%d", surfaceID, s.SectionID(), s.UserID())
	return nil
}

// CloseAll 进程退出时卸载全部编辑区域
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for id, s := range sessions {
		s.Teardown()
		r.onClose(id)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

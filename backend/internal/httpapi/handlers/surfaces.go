package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collabClient/backend/internal/collab"
	"collabClient/backend/internal/format"
	"collabClient/backend/internal/httpapi/middleware"
	"collabClient/backend/internal/session"
	"collabClient/backend/internal/store"
	"collabClient/backend/internal/ws"
)

// DraftLister 草稿查询，mysql 和内存实现都满足
type DraftLister interface {
	ListDrafts(ctx context.Context, sectionID string, userID uint64, limit int) ([]store.Draft, error)
}

type SurfaceHandler struct {
	registry *session.Registry
	hub      *ws.Hub
	drafts   DraftLister
}

func NewSurfaceHandler(registry *session.Registry, hub *ws.Hub, drafts DraftLister) *SurfaceHandler {
	return &SurfaceHandler{registry: registry, hub: hub, drafts: drafts}
}

// Register 挂到已经带了鉴权中间件的路由组上
func (h *SurfaceHandler) Register(r gin.IRoutes) {
	r.POST("/surfaces", h.Mount())
	r.GET("/surfaces/:id", h.Get())
	r.DELETE("/surfaces/:id", h.Unmount())

	r.POST("/surfaces/:id/edit", h.Edit())
	r.POST("/surfaces/:id/selection", h.Selection())
	r.POST("/surfaces/:id/focus", h.lifecycle((*session.Session).Focus))
	r.POST("/surfaces/:id/blur", h.lifecycle((*session.Session).Blur))
	r.POST("/surfaces/:id/submit", h.lifecycle((*session.Session).Submit))
	r.POST("/surfaces/:id/undo", h.history((*session.Session).Undo))
	r.POST("/surfaces/:id/redo", h.history((*session.Session).Redo))
	r.POST("/surfaces/:id/device-error", h.DeviceError())

	r.GET("/surfaces/:id/events", h.Events())
	r.GET("/surfaces/:id/drafts", h.Drafts())
	r.GET("/surfaces/:id/collaborators", h.Collaborators())
}

type mountReq struct {
	SectionID string `json:"section_id" binding:"required"`
	Content   string `json:"content"`
	Version   uint64 `json:"version"`
	Format    string `json:"format"`
	ClientID  string `json:"client_id"`
}

func (h *SurfaceHandler) Mount() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		s, err := h.registry.Mount(c.Request.Context(), session.MountRequest{
			SectionID: req.SectionID,
			UserID:    userID,
			Username:  c.GetString(middleware.CtxUsername),
			Token:     c.GetString(middleware.CtxToken),
			ClientID:  req.ClientID,
			Content:   req.Content,
			Version:   req.Version,
			Format:    req.Format,
		})
		if errors.Is(err, format.ErrUnknownFormat) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "formats": format.Names()})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"surface_id": s.ID(), "view": s.View()})
	}
}

func (h *SurfaceHandler) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, s.View())
	}
}

func (h *SurfaceHandler) Unmount() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		if err := h.registry.Unmount(s.ID()); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type editReq struct {
	// 允许空串（清空内容），所以用指针区分“没传”
	Content      *string      `json:"content" binding:"required"`
	// 编辑器渲染这段文本时看到的 revision，之后落地的远端修改会被保留
	BaseRevision *uint64      `json:"base_revision" binding:"required"`
	Selection    ws.Selection `json:"selection"`
}

func (h *SurfaceHandler) Edit() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req editReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, ok := h.owned(c)
		if !ok {
			return
		}
		out, err := s.EditAt(*req.BaseRevision, *req.Content, req.Selection)
		if errors.Is(err, collab.ErrStaleBase) {
			// 太旧了没法变基，把当前内容给编辑器，让它重新渲染后再提交
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "view": s.View()})
			return
		}
		if err != nil {
			writeSessionErr(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (h *SurfaceHandler) Selection() gin.HandlerFunc {
	return func(c *gin.Context) {
		var sel ws.Selection
		if err := c.ShouldBindJSON(&sel); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, ok := h.owned(c)
		if !ok {
			return
		}
		if err := s.Select(sel); err != nil {
			writeSessionErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// lifecycle focus / blur / submit 这类没有请求体也没有返回值的操作
func (h *SurfaceHandler) lifecycle(fn func(*session.Session) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		if err := fn(s); err != nil {
			writeSessionErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *SurfaceHandler) history(fn func(*session.Session) (collab.EditResult, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		res, err := fn(s)
		if err != nil {
			writeSessionErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": res, "document": s.View().Document})
	}
}

type deviceErrReq struct {
	Device string `json:"device" binding:"required"`
	Detail string `json:"detail"`
}

func (h *SurfaceHandler) DeviceError() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deviceErrReq
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Device == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing device"})
			return
		}
		s, ok := h.owned(c)
		if !ok {
			return
		}
		if err := s.DeviceError(req.Device, req.Detail); err != nil {
			writeSessionErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// Events 视图的事件流。先发当前内容、光标和状态，再转发后续事件
func (h *SurfaceHandler) Events() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		view := s.View()
		initial := []any{
			session.Event{Type: session.EventContent, SurfaceID: s.ID(), Data: session.ContentData{
				Content:   view.Document.Content,
				Selection: view.Document.Selection,
				Replaced:  true,
			}},
			session.Event{Type: session.EventMarkers, SurfaceID: s.ID(), Data: view.Markers},
			session.Event{Type: session.EventTyping, SurfaceID: s.ID(), Data: session.TypingData{Users: view.Typing}},
			session.Event{Type: session.EventState, SurfaceID: s.ID(), Data: view.Document},
		}
		ws.ServeViewer(c.Writer, c.Request, h.hub, s.ID(), s.UserID(), initial...)
	}
}

func (h *SurfaceHandler) Drafts() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		drafts, err := h.drafts.ListDrafts(c.Request.Context(), s.SectionID(), s.UserID(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if drafts == nil {
			drafts = []store.Draft{}
		}
		c.JSON(http.StatusOK, gin.H{"drafts": drafts})
	}
}

func (h *SurfaceHandler) Collaborators() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		list, err := s.Collaborators(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"collaborators": list})
	}
}

// owned 找到编辑区域并确认属于当前用户
func (h *SurfaceHandler) owned(c *gin.Context) (*session.Session, bool) {
	userID, ok := currentUser(c)
	if !ok {
		return nil, false
	}
	s, err := h.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	if s.UserID() != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "surface belongs to another user"})
		return nil, false
	}
	return s, true
}

func currentUser(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.CtxUserID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	userID, ok := v.(uint64)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	return userID, true
}

func writeSessionErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, collab.ErrClosed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

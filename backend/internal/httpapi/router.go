package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"collabClient/backend/internal/auth"
	"collabClient/backend/internal/httpapi/handlers"
	"collabClient/backend/internal/httpapi/middleware"
)

type RouterOptions struct {
	EnableCORS bool
	// 测试里关掉请求日志
	AccessLog bool
}

func NewRouter(h *handlers.SurfaceHandler, verifier auth.Verifier, opt RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if opt.AccessLog {
		router.Use(gin.Logger())
	}

	// 经网关访问时网关已经加过 CORS，这里再加会出现重复的 Allow-Origin
	if opt.EnableCORS {
		router.Use(cors.New(cors.Config{
			// 允许任意来源（包含 file:// 场景的 Origin: null）
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(verifier))
	h.Register(v1)
	return router
}

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/macrat/markdown-board/internal/rooms"
)

var errMissingRegistry = errors.New("room registry dependency required")

// Dependencies describes what the HTTP handler needs. The page CRUD surface
// lives in a separate front-end service; this server only exposes the
// realtime sync endpoint.
type Dependencies struct {
	Registry *rooms.Registry
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin handler hosting the websocket sync endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		registry: deps.Registry,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws/:page", handler.handleSync)

	return router, nil
}

type httpHandler struct {
	registry *rooms.Registry
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

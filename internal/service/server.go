package service

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/artemis/depupgrade/internal/config"
	"github.com/artemis/depupgrade/internal/observability"
	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket transport for MigrationService, grounded on
// the teacher's internal/server.Server (gin router setup, health/metrics
// endpoints, logging and CORS middleware, gorilla/websocket upgrade path).
// Framing, auth and CORS are plumbing per spec §1 ("specified only at the
// interface") — this is that interface.
type Server struct {
	svc    *MigrationService
	cfg    *config.Config
	logger *observability.Logger
	health *observability.HealthChecker
	router *gin.Engine
}

// NewServer wires svc behind the HTTP/WebSocket surface spec §6 describes.
func NewServer(svc *MigrationService, cfg *config.Config, health *observability.HealthChecker, logger *observability.Logger) *Server {
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{svc: svc, cfg: cfg, health: health, logger: logger}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.corsMiddleware())

	r.GET("/health", s.health.HealthHandler())
	r.GET("/ready", s.health.ReadyHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/migrations", s.handleStartMigration)
		api.GET("/migrations", s.handleListMigrations)
		api.GET("/migrations/:id", s.handleGetMigration)
		api.POST("/migrations/:id/cancel", s.handleCancelMigration)
	}

	r.GET("/ws/migrations/:id", s.handleSubscribe)

	s.router = r
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			c.Next()
			return
		}
		c.Next()
		s.logger.InfoRedacted("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// Start runs the HTTP server, blocking until it exits.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.cfg.HTTPAddr))
	return s.router.Run(s.cfg.HTTPAddr)
}

// GetRouter exposes the underlying gin.Engine, primarily for tests.
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// startMigrationBody is the exhaustive StartMigration request shape (spec
// §6): exactly one of project_path or git_repo_url is set.
type startMigrationBody struct {
	ProjectPath   string `json:"project_path"`
	GitRepoURL    string `json:"git_repo_url"`
	GitBranch     string `json:"git_branch"`
	Credential    string `json:"credential"`
	ProjectType   string `json:"project_type" binding:"required"`
	MaxRetries    int    `json:"max_retries"`
}

func (s *Server) handleStartMigration(c *gin.Context) {
	var body startMigrationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pt := workflow.ProjectType(body.ProjectType)
	if pt != workflow.ProjectNode && pt != workflow.ProjectPython {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_type must be NODE or PYTHON"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	id, err := s.svc.StartMigration(ctx, StartMigrationRequest{
		ProjectPath:   body.ProjectPath,
		GitRepoURL:    body.GitRepoURL,
		GitBranch:     body.GitBranch,
		GitCredential: body.Credential,
		ProjectType:   pt,
		MaxRetries:    body.MaxRetries,
	})
	if err != nil {
		s.logger.Error("start migration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"migration_id": id})
}

func (s *Server) handleGetMigration(c *gin.Context) {
	id := c.Param("id")
	state, err := s.svc.GetMigration(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleListMigrations(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	states, err := s.svc.ListMigrations(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"migrations": states, "count": len(states)})
}

func (s *Server) handleCancelMigration(c *gin.Context) {
	id := c.Param("id")
	if err := s.svc.CancelMigration(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled", "migration_id": id})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventFrame is the exhaustive WebSocket frame shape spec §6 defines.
type eventFrame struct {
	Seq          uint64      `json:"seq"`
	Kind         string      `json:"kind"`
	SourceWorker string      `json:"source_worker,omitempty"`
	Payload      interface{} `json:"payload,omitempty"`
	TS           time.Time   `json:"ts"`
}

// handleSubscribe upgrades to a WebSocket and streams migration events in
// increasing seq order, terminating the connection after exactly one
// TERMINAL_* frame (spec §6: "The stream is terminated by exactly one event
// whose kind is a TERMINAL_* kind").
func (s *Server) handleSubscribe(c *gin.Context) {
	id := c.Param("id")

	sub, err := s.svc.SubscribeMigration(id)
	if err != nil {
		if errors.Is(err, ErrUnknownMigration) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	for {
		evt, ok := sub.Next(ctx)
		if !ok {
			return
		}

		frame := eventFrame{
			Seq:          evt.Seq,
			Kind:         string(evt.Kind),
			SourceWorker: evt.SourceWorker,
			Payload:      evt.Payload,
			TS:           evt.TS,
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
		if evt.Kind.IsTerminal() {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

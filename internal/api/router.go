// Package api exposes the sync engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mailmind/mailsync/internal/auth"
	"github.com/mailmind/mailsync/internal/syncer"
)

// ReadyChecker reports backing-service health for the readiness probe.
type ReadyChecker interface {
	Ping(ctx context.Context) error
}

// ConnChecker reports broker connectivity for the readiness probe.
type ConnChecker interface {
	Connected() bool
}

// Server wires the HTTP surface around the orchestrator. The run context
// passed in must be service-scoped so runs outlive their starting request.
type Server struct {
	engine       *gin.Engine
	orchestrator *syncer.Orchestrator
	verifier     *auth.JWTVerifier
	db           ReadyChecker
	broker       ConnChecker
	runCtx       context.Context
	logger       *zap.Logger
}

type startSyncRequest struct {
	AccountID          string   `json:"account_id" binding:"required"`
	Provider           string   `json:"provider" binding:"required"`
	Folders            []string `json:"folders"`
	MaxEmails          int      `json:"max_emails"`
	IncludeAttachments bool     `json:"include_attachments"`
	AutoAnalyze        bool     `json:"auto_analyze"`
	Incremental        bool     `json:"incremental"`
}

// NewServer builds the router. verifier may be nil to disable caller auth
// (tests, local runs); broker may be nil when events are disabled.
func NewServer(runCtx context.Context, orch *syncer.Orchestrator, verifier *auth.JWTVerifier, db ReadyChecker, broker ConnChecker, logger *zap.Logger) *Server {
	s := &Server{
		engine:       gin.Default(),
		orchestrator: orch,
		verifier:     verifier,
		db:           db,
		broker:       broker,
		runCtx:       runCtx,
		logger:       logger,
	}

	r := s.engine

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", s.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authorized := r.Group("/", s.authMiddleware())
	authorized.POST("/syncs", s.startSync)
	authorized.GET("/syncs/active", s.listActive)
	authorized.GET("/syncs/:id", s.getProgress)
	authorized.POST("/syncs/:id/cancel", s.cancelSync)

	return s
}

// Run starts the HTTP listener.
func (s *Server) Run(port string) error {
	return s.engine.Run(port)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c, time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "db_not_ready", "error": err.Error()})
		return
	}
	if s.broker != nil && !s.broker.Connected() {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "broker_not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.Set("user_id", c.GetHeader("X-User-ID"))
			c.Next()
			return
		}

		caller, err := s.verifier.CallerFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("user_id", caller.ID)
		c.Next()
	}
}

func (s *Server) startSync(c *gin.Context) {
	var req startSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
		return
	}

	cfg := syncer.Config{
		AccountID:          req.AccountID,
		UserID:             userID,
		Provider:           req.Provider,
		Folders:            req.Folders,
		MaxEmails:          req.MaxEmails,
		IncludeAttachments: req.IncludeAttachments,
		AutoAnalyze:        req.AutoAnalyze,
		Incremental:        req.Incremental,
	}

	// runs must outlive the request; the run context is service-scoped
	runID, err := s.orchestrator.Start(s.runCtx, cfg)
	if err != nil {
		s.logger.Error("start sync failed", zap.String("account_id", req.AccountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) getProgress(c *gin.Context) {
	progress, ok := s.orchestrator.Progress(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *Server) cancelSync(c *gin.Context) {
	if !s.orchestrator.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cancellable run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) listActive(c *gin.Context) {
	active := s.orchestrator.Active()
	if active == nil {
		active = []syncer.Progress{}
	}
	c.JSON(http.StatusOK, active)
}

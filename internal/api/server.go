// Package api exposes the dispatch engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/internal/dispatch"
	"github.com/stoik/herald/internal/invite"
	"github.com/stoik/herald/internal/models"
	"github.com/stoik/herald/internal/scheduler"
)

// Core is the set of engine operations the API exposes.
type Core interface {
	TriggerManualDispatch(ctx context.Context, id uuid.UUID) (dispatch.Outcome, error)
	RunTickManually(ctx context.Context) scheduler.TickSummary
	EvaluateDueNow(ctx context.Context, id uuid.UUID) (bool, error)
}

type AccountReader interface {
	Get(ctx context.Context, id uuid.UUID) (models.Account, error)
	History(ctx context.Context, id uuid.UUID) ([]models.DeliveryRecord, error)
}

type CodeIssuer interface {
	Create(accountID uuid.UUID) (models.InvitationCode, error)
}

type Joiner interface {
	Join(ctx context.Context, code string, req invite.JoinRequest) (invite.JoinResult, error)
}

type Server struct {
	engine   *gin.Engine
	http     *http.Server
	core     Core
	accounts AccountReader
	codes    CodeIssuer
	joiner   Joiner
}

func NewServer(core Core, accounts AccountReader, codes CodeIssuer, joiner Joiner, jwtSecret string) *Server {
	if jwtSecret == "" {
		log.Warn("api.jwt_secret is empty, API authentication is disabled")
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		engine:   engine,
		core:     core,
		accounts: accounts,
		codes:    codes,
		joiner:   joiner,
	}

	engine.GET("/health", s.health)

	v1 := engine.Group("/api/v1")
	v1.POST("/join/:code", s.join)

	authed := v1.Group("", authMiddleware(jwtSecret))
	account := authed.Group("/accounts/:id", requireAccount)
	{
		account.GET("/due", s.due)
		account.POST("/dispatch", s.dispatch)
		account.GET("/history", s.history)
		account.POST("/invitations", s.createInvitation)
	}
	admin := authed.Group("/admin", requireAdmin)
	{
		admin.POST("/tick", s.tick)
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("Starting HTTP server on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	log.Info("Shutting down HTTP server")
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

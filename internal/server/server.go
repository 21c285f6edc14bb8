// Package server is the control plane: REST ingress for session
// lifecycle and settings, a WebSocket channel for actions and the
// event stream, and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"browsernerd/internal/artifact"
	"browsernerd/internal/config"
	"browsernerd/internal/driver"
	"browsernerd/internal/logging"
	"browsernerd/internal/profile"
	"browsernerd/internal/session"
	"browsernerd/internal/vision"
)

// Options wire a server. Uploader may be nil; recordings then stay
// local and the backlog gauge reads zero.
type Options struct {
	Config   config.Config
	Manager  *session.Manager
	Uploader *artifact.Uploader

	// VisionProbe overrides the API-key test call. Nil probes the
	// provider with one structured request.
	VisionProbe func(ctx context.Context, c vision.Client) error
}

// Server dispatches client requests to the session manager and fans
// session events out to WebSocket observers.
type Server struct {
	manager  *session.Manager
	uploader *artifact.Uploader
	creds    *CredentialStore
	metrics  *Metrics
	engine   *gin.Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	actions  map[string]actionFunc
	probe    func(ctx context.Context, c vision.Client) error
	log      *zap.Logger
	started  time.Time

	mu  sync.Mutex // guards cfg for the settings surface
	cfg config.Config
}

// New builds the server and its routes.
func New(opts Options) *Server {
	backlog := func() int64 { return 0 }
	if opts.Uploader != nil {
		backlog = opts.Uploader.Backlog
	}
	probe := opts.VisionProbe
	if probe == nil {
		probe = defaultVisionProbe
	}

	s := &Server{
		cfg:      opts.Config,
		manager:  opts.Manager,
		uploader: opts.Uploader,
		creds:    NewCredentialStore(opts.Config.ConsolidatedSecretPath),
		metrics:  NewMetrics(backlog),
		probe:    probe,
		log:      logging.Get(logging.CategoryServer),
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.actions = s.actionTable()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if opts.Config.Server.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	engine.POST("/sessions", s.handleCreateSession)
	engine.DELETE("/sessions/:id", s.handleDeleteSession)
	engine.GET("/sessions/:id/screenshot", s.handleScreenshot)
	engine.GET("/health", s.handleHealth)
	engine.GET("/settings", s.handleGetSettings)
	engine.PUT("/settings", s.handlePutSettings)
	engine.POST("/settings/test-api-key", s.handleTestAPIKey)
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	engine.GET("/ws", s.handleWS)

	s.engine = engine
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Config.Server.Host, opts.Config.Server.Port),
		Handler: engine,
	}
	return s
}

// Handler exposes the route tree for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.log.Info("control plane listening", zap.String("addr", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type createSessionRequest struct {
	Headless         *bool    `json:"headless"`
	ProfileName      string   `json:"profile_name"`
	BrowserChannel   string   `json:"browser_channel"`
	RequiredTags     []string `json:"required_tags"`
	CloneForParallel bool     `json:"clone_for_parallel"`
	AllowTempProfile *bool    `json:"allow_temp_profile"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	sess, err := s.manager.Open(c.Request.Context(), session.OpenOptions{
		Requirements: profile.Requirements{
			ProfileName:      req.ProfileName,
			RequiredTags:     req.RequiredTags,
			CloneForParallel: req.CloneForParallel,
			AllowTempProfile: req.AllowTempProfile,
		},
		Headless:       req.Headless,
		BrowserChannel: req.BrowserChannel,
	})
	if err != nil {
		var noProfile *profile.NoSuitableProfileError
		switch {
		case errors.Is(err, session.ErrProfileBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.As(err, &noProfile):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	s.metrics.SessionsOpened.Inc()
	s.metrics.SessionsActive.Set(float64(s.manager.Count()))
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sess.ID,
		"profile":    sess.ProfileName,
		"temporary":  sess.Temporary,
		"cloned":     sess.Cloned,
	})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	err := s.manager.Close(c.Request.Context(), c.Param("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.metrics.SessionsActive.Set(float64(s.manager.Count()))
	c.JSON(http.StatusOK, gin.H{"closed": true})
}

func (s *Server) handleScreenshot(c *gin.Context) {
	sess, err := s.manager.Lookup(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	data, err := sess.Browser.Screenshot(c.Request.Context(), c.Query("full_page") == "true")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (s *Server) handleHealth(c *gin.Context) {
	var backlog int64
	if s.uploader != nil {
		backlog = s.uploader.Backlog()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"driver_available": driver.Available(),
		"sessions":         s.manager.Count(),
		"upload_backlog":   backlog,
		"uptime":           time.Since(s.started).String(),
	})
}

func defaultVisionProbe(ctx context.Context, c vision.Client) error {
	out, err := c.GenerateStructured(ctx,
		`Reply with ONLY the JSON object {"ok": true}`, nil, probeSchema)
	if err != nil {
		return err
	}
	if ok, _ := out["ok"].(bool); !ok {
		return fmt.Errorf("provider replied but did not confirm")
	}
	return nil
}

// Package statusapi serves the local control API: session start and stop,
// a state snapshot and a websocket stream of connection events.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"

	"lingocast/native/internal/connection"
	"lingocast/native/internal/coordinator"
	"lingocast/native/internal/session"
)

// ErrSessionActive is returned by Backend.StartSession when a session is
// already running.
var ErrSessionActive = errors.New("statusapi: session already active")

// SessionView is the public part of an established session.
type SessionView struct {
	ID        string `json:"id"`
	ListenURL string `json:"listenUrl"`
}

// Snapshot is the body of GET /state.
type Snapshot struct {
	Role       string                 `json:"role"`
	Session    *SessionView           `json:"session,omitempty"`
	Connection *connection.State      `json:"connection,omitempty"`
	Peers      []coordinator.PeerInfo `json:"peers"`
}

// Backend is the running client the API controls.
type Backend interface {
	Snapshot() Snapshot
	StartSession(ctx context.Context) (SessionView, error)
	StopSession()
}

// Options configures a Server.
type Options struct {
	Addr    string
	Backend Backend

	LoggerFactory logging.LoggerFactory
}

// Server is the control API.
type Server struct {
	opts   Options
	router *gin.Engine
	hub    *hub
	log    logging.LeveledLogger
}

// New builds the router.
func New(opts Options) *Server {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	s := &Server{
		opts: opts,
		log:  opts.LoggerFactory.NewLogger("statusapi"),
	}
	s.hub = newHub(s.log)

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/state", s.getState)
	router.POST("/session", s.createSession)
	router.DELETE("/session", s.deleteSession)
	router.GET("/events", s.hub.serve)

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Publish pushes msg to every connected event stream.
func (s *Server) Publish(msg EventMessage) { s.hub.broadcast(msg) }

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infof("control API listening on %s", s.opts.Addr)

	select {
	case err := <-errCh:
		s.hub.close()
		return err
	case <-ctx.Done():
	}

	s.hub.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) getState(c *gin.Context) {
	snap := s.opts.Backend.Snapshot()
	if snap.Peers == nil {
		snap.Peers = []coordinator.PeerInfo{}
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) createSession(c *gin.Context) {
	view, err := s.opts.Backend.StartSession(c.Request.Context())
	if err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *Server) deleteSession(c *gin.Context) {
	s.opts.Backend.StopSession()
	c.Status(http.StatusNoContent)
}

// errorResponse maps a start failure to an HTTP status and body.
func errorResponse(err error) (int, gin.H) {
	if errors.Is(err, ErrSessionActive) {
		return http.StatusConflict, gin.H{"error": err.Error()}
	}
	var serr *session.Error
	if !errors.As(err, &serr) {
		return http.StatusInternalServerError, gin.H{"error": err.Error()}
	}

	body := gin.H{"error": serr.Message, "code": serr.Code}
	if serr.IsAuth() {
		return http.StatusUnauthorized, body
	}
	switch serr.Code {
	case session.CodeInvalidParameters, session.CodeUnsupportedLanguage:
		return http.StatusBadRequest, body
	case session.CodeConnectionTimeout, session.CodeCreationTimeout:
		return http.StatusGatewayTimeout, body
	case session.CodeCancelled:
		return http.StatusConflict, body
	default:
		return http.StatusBadGateway, body
	}
}

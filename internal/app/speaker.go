// Package app runs the speaker and listener roles on top of the session,
// connection and coordinator packages.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"

	"lingocast/native/internal/connection"
	"lingocast/native/internal/coordinator"
	"lingocast/native/internal/session"
	"lingocast/native/internal/statusapi"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("app: closed")

// SpeakerConfig configures a Speaker.
type SpeakerConfig struct {
	Orchestrator *session.Orchestrator
	// NewCoordinator builds the media side of a created session. Nil runs
	// the control channel only.
	NewCoordinator func(sessionID string) *coordinator.Coordinator
	// Publish receives connection events for the control API.
	Publish func(msg statusapi.EventMessage)

	LoggerFactory logging.LoggerFactory
}

// Speaker owns the broadcasting side: one session at a time, its control
// channel and the master coordinator serving listeners. It reacts to
// EventReconnectDue by redialing the control channel.
type Speaker struct {
	cfg SpeakerConfig
	log logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	starting    bool
	cancelStart context.CancelFunc
	sess        *session.Session
	coord       *coordinator.Coordinator
	unsubscribe func()
}

// NewSpeaker creates an idle Speaker.
func NewSpeaker(cfg SpeakerConfig) *Speaker {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Speaker{
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("speaker"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// StartSession creates a session and, when configured, starts serving
// listeners on it. The control channel is watched from the moment the
// session exists, so drops during media setup are redialed too.
func (s *Speaker) StartSession(ctx context.Context) (statusapi.SessionView, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return statusapi.SessionView{}, ErrClosed
	case s.starting || s.sess != nil:
		s.mu.Unlock()
		return statusapi.SessionView{}, statusapi.ErrSessionActive
	}
	ctx, cancel := context.WithCancel(ctx)
	s.starting = true
	s.cancelStart = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.starting = false
		s.cancelStart = nil
		s.mu.Unlock()
	}()

	res := s.cfg.Orchestrator.CreateSession(ctx)
	if !res.OK() {
		if res.Err != nil {
			return statusapi.SessionView{}, res.Err
		}
		return statusapi.SessionView{}, errors.New("app: session creation returned no session")
	}
	sess := res.Session

	if err := s.adopt(ctx, sess); err != nil {
		sess.Conn.Disconnect()
		return statusapi.SessionView{}, err
	}

	if s.cfg.NewCoordinator != nil {
		coord := s.cfg.NewCoordinator(sess.ID)
		if err := coord.ConnectAsMaster(ctx); err != nil {
			coord.Close()
			s.endSession(sess)
			return statusapi.SessionView{}, fmt.Errorf("start media for session %s: %w", sess.ID, err)
		}
		s.mu.Lock()
		if s.sess != sess {
			s.mu.Unlock()
			coord.Close()
			return statusapi.SessionView{}, fmt.Errorf("session %s ended during media setup", sess.ID)
		}
		s.coord = coord
		s.mu.Unlock()
	}

	s.log.Infof("session %s live, listeners join at %s", sess.ID, sess.ListenURL)
	return statusapi.SessionView{ID: sess.ID, ListenURL: sess.ListenURL}, nil
}

// adopt makes sess current and subscribes to its control channel.
func (s *Speaker) adopt(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if ctx.Err() != nil {
		return &session.Error{Code: session.CodeCancelled, Message: "session start cancelled", Err: ctx.Err()}
	}
	s.sess = sess
	s.unsubscribe = sess.Conn.Subscribe(func(ev connection.Event) { s.onConnEvent(sess, ev) })

	switch st := sess.Conn.State(); st.Status {
	case connection.StatusDisconnected, connection.StatusFailed:
		s.unsubscribe()
		s.sess, s.unsubscribe = nil, nil
		return &session.Error{
			Code:    session.CodeConnectionFailed,
			Message: "control channel lost before the session started",
			Err:     connection.ErrNotConnected,
		}
	}
	return nil
}

// StopSession aborts a session being created and ends the current one.
func (s *Speaker) StopSession() {
	s.mu.Lock()
	cancel := s.cancelStart
	sess := s.sess
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.cfg.Orchestrator.Abort()
	if sess != nil {
		s.endSession(sess)
	}
}

// Snapshot implements statusapi.Backend.
func (s *Speaker) Snapshot() statusapi.Snapshot {
	s.mu.Lock()
	sess, coord := s.sess, s.coord
	s.mu.Unlock()

	snap := statusapi.Snapshot{Role: "master"}
	if sess != nil {
		snap.Session = &statusapi.SessionView{ID: sess.ID, ListenURL: sess.ListenURL}
		state := sess.Conn.State()
		snap.Connection = &state
	}
	if coord != nil {
		snap.Peers = coord.Peers()
	}
	return snap
}

// Close ends the session and stops pending reconnects.
func (s *Speaker) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.StopSession()
}

func (s *Speaker) onConnEvent(sess *session.Session, ev connection.Event) {
	if s.cfg.Publish != nil {
		s.cfg.Publish(statusapi.ConnectionEvent(ev))
	}

	switch {
	case ev.Kind == connection.EventReconnectDue:
		s.log.Infof("redialing control channel (attempt %d)", ev.State.ReconnectAttempts)
		go func() {
			if err := sess.Conn.Reconnect(s.ctx); err != nil {
				s.log.Warnf("reconnect: %v", err)
			}
		}()
	case ev.Kind == connection.EventAuthFailed:
		s.log.Errorf("control channel rejected credentials, ending session %s", sess.ID)
		go s.endSession(sess)
	case ev.Kind == connection.EventStateChange && ev.State.Status == connection.StatusFailed:
		s.log.Errorf("control channel lost, ending session %s", sess.ID)
		go s.endSession(sess)
	}
}

// endSession tears down sess if it is still the current session.
func (s *Speaker) endSession(sess *session.Session) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return
	}
	coord, unsubscribe := s.coord, s.unsubscribe
	s.sess, s.coord, s.unsubscribe = nil, nil, nil
	s.mu.Unlock()

	unsubscribe()
	if coord != nil {
		coord.Close()
	}
	sess.Conn.Disconnect()
	s.log.Infof("session %s ended", sess.ID)
}

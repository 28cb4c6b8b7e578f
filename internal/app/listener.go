package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"

	"lingocast/native/internal/coordinator"
	"lingocast/native/internal/domain"
	"lingocast/native/internal/statusapi"
)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Coordinator *coordinator.Coordinator
	SessionID   string
	Retries     int
	RetryDelay  time.Duration

	LoggerFactory logging.LoggerFactory
}

// Listener joins a session as a viewer. A transport that fails after
// negotiation is rejoined from scratch.
type Listener struct {
	cfg ListenerConfig
	log logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	joined  bool
	joining bool
}

// NewListener creates a Listener for cfg.SessionID.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("listener"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// StartSession joins the session, replacing any previous connection.
func (l *Listener) StartSession(ctx context.Context) (statusapi.SessionView, error) {
	l.mu.Lock()
	if l.joining {
		l.mu.Unlock()
		return statusapi.SessionView{}, statusapi.ErrSessionActive
	}
	l.joining = true
	l.mu.Unlock()

	err := l.cfg.Coordinator.ConnectAsViewer(ctx, l.cfg.Retries, l.cfg.RetryDelay)

	l.mu.Lock()
	l.joining = false
	l.joined = err == nil
	l.mu.Unlock()
	if err != nil {
		return statusapi.SessionView{}, err
	}
	l.log.Infof("joined session %s", l.cfg.SessionID)
	return statusapi.SessionView{ID: l.cfg.SessionID}, nil
}

// StopSession leaves the session.
func (l *Listener) StopSession() {
	l.mu.Lock()
	l.joined = false
	l.mu.Unlock()
	l.cfg.Coordinator.Disconnect()
}

// Snapshot implements statusapi.Backend.
func (l *Listener) Snapshot() statusapi.Snapshot {
	snap := statusapi.Snapshot{Role: "viewer", Peers: l.cfg.Coordinator.Peers()}
	l.mu.Lock()
	if l.joined {
		snap.Session = &statusapi.SessionView{ID: l.cfg.SessionID}
	}
	l.mu.Unlock()
	return snap
}

// OnPeerState rejoins when the negotiated transport fails. Wire it as the
// coordinator's OnPeerState hook.
func (l *Listener) OnPeerState(remoteID string, state domain.PeerState) {
	if state != domain.PeerStateFailed {
		return
	}
	l.mu.Lock()
	rejoin := l.joined && !l.joining
	l.mu.Unlock()
	if !rejoin {
		return
	}
	l.log.Warnf("transport to %q failed, rejoining", remoteID)
	go func() {
		if _, err := l.StartSession(l.ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Errorf("rejoin: %v", err)
		}
	}()
}

// Close leaves the session for good.
func (l *Listener) Close() {
	l.cancel()
	l.cfg.Coordinator.Close()
}

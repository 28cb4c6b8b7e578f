// Package coordinator negotiates audio peer transports over a signaling
// channel, as the broadcasting master or as one of its viewers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"

	"lingocast/native/internal/domain"
)

// Defaults applied by New.
const (
	DefaultOpenTimeout        = 10 * time.Second
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultRetryMultiplier    = 2.0
	DefaultMaxRetryDelay      = 30 * time.Second
)

var (
	ErrClosed             = errors.New("coordinator: closed")
	ErrBusy               = errors.New("coordinator: connect already in progress")
	ErrOpenTimeout        = errors.New("coordinator: signaling channel did not open in time")
	ErrNegotiationTimeout = errors.New("coordinator: negotiation timed out")
	ErrPeerFailed         = errors.New("coordinator: peer transport failed")
	ErrRetriesExhausted   = errors.New("coordinator: connect retries exhausted")
)

// Config configures a Coordinator.
type Config struct {
	Signaling domain.SignalerFactory
	Peers     domain.PeerFactory
	Relay     domain.RelaySource

	// OpenTimeout bounds a single signaling-channel open.
	OpenTimeout time.Duration
	// NegotiationTimeout bounds offer to connected for one viewer attempt.
	NegotiationTimeout time.Duration
	RetryMultiplier    float64
	MaxRetryDelay      time.Duration

	// OnError receives every signaling, negotiation and transport failure.
	OnError func(err error)
	// OnPeerState, if set, observes peer transport state per remote id.
	OnPeerState func(remoteID string, state domain.PeerState)

	LoggerFactory logging.LoggerFactory
}

// PeerInfo describes one remote peer.
type PeerInfo struct {
	RemoteID string           `json:"remoteId"`
	State    domain.PeerState `json:"state"`
}

// remote is the negotiation state for one remote peer.
type remote struct {
	id       string
	peer     domain.Peer
	state    domain.PeerState
	answered bool
}

// Coordinator drives one signaling session at a time. All state changes go
// through c.mu; callbacks into peers, signalers and OnError run unlocked.
type Coordinator struct {
	cfg Config
	log logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	connecting bool
	role       domain.Role
	gen        uint64
	signaler   domain.Signaler
	servers    []domain.ICEServer
	peers      map[string]*remote
	queued     map[string][]domain.ICECandidatePayload
	attempt    *viewerAttempt
}

// New creates an idle Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.RetryMultiplier < 1 {
		cfg.RetryMultiplier = DefaultRetryMultiplier
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("coordinator"),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*remote),
		queued: make(map[string][]domain.ICECandidatePayload),
	}
}

// Close tears down the signaling channel and every peer and aborts a
// connect in progress. It is safe to call at any time, more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.log.Info("closing")
	c.cancel()
	c.teardown()
}

// Disconnect ends the current session and leaves the coordinator ready for
// another connect. A connect in progress loses its current attempt, which
// fails at once and is retried if retries remain.
func (c *Coordinator) Disconnect() {
	c.release(true)
}

// Peers returns a snapshot of the remote peers, sorted by id.
func (c *Coordinator) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerInfo, 0, len(c.peers))
	for _, r := range c.peers {
		out = append(out, PeerInfo{RemoteID: r.id, State: r.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Role returns the role of the current session, empty when idle.
func (c *Coordinator) Role() domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// begin claims the coordinator for a connect call, tearing down any
// previous session. The returned context ends with the call or on Close.
func (c *Coordinator) begin(ctx context.Context, role domain.Role) (context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if c.connecting {
		c.mu.Unlock()
		return nil, nil, ErrBusy
	}
	c.connecting = true
	c.mu.Unlock()

	c.teardown()

	c.mu.Lock()
	c.role = role
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}, nil
}

// result maps a failed connect to its final error, preferring ErrClosed.
func (c *Coordinator) result(err error) error {
	c.mu.Lock()
	closed := c.closed
	if err != nil {
		c.role = ""
	}
	c.mu.Unlock()
	if err != nil && closed {
		return ErrClosed
	}
	return err
}

// openChannel creates a signaler bound to a new generation and opens it
// within OpenTimeout.
func (c *Coordinator) openChannel(ctx context.Context) (uint64, domain.Signaler, error) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	sig := c.cfg.Signaling.NewSignaler(&handler{c: c, gen: gen})
	c.signaler = sig
	c.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()
	if err := sig.Open(openCtx); err != nil {
		if ctx.Err() == nil && errors.Is(openCtx.Err(), context.DeadlineExceeded) {
			return gen, nil, fmt.Errorf("%w: %v", ErrOpenTimeout, err)
		}
		return gen, nil, fmt.Errorf("open signaling: %w", err)
	}

	servers, err := c.cfg.Relay.ICEServers(ctx)
	if err != nil {
		return gen, nil, fmt.Errorf("fetch ice servers: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return gen, nil, ErrClosed
	}
	c.servers = servers
	return gen, sig, nil
}

// teardown closes every peer, then the signaling channel, invalidates
// callbacks of the torn-down generation and fails a pending viewer attempt.
// It returns once everything is closed.
func (c *Coordinator) teardown() {
	c.release(false)
}

// release runs teardown. With idle set it also clears the role unless a
// connect call is running.
func (c *Coordinator) release(idle bool) {
	c.mu.Lock()
	if idle && !c.connecting {
		c.role = ""
	}
	c.gen++
	peers := c.peers
	sig := c.signaler
	c.peers = make(map[string]*remote)
	c.queued = make(map[string][]domain.ICECandidatePayload)
	c.signaler = nil
	c.servers = nil
	att := c.attempt
	c.attempt = nil
	c.mu.Unlock()

	for _, r := range peers {
		if err := r.peer.Close(); err != nil {
			c.log.Debugf("close peer %q: %v", r.id, err)
		}
	}
	if sig != nil {
		sig.Close()
	}
	if att != nil {
		att.failed(ErrClosed)
	}
}

// track wires a new peer's callbacks for generation gen.
func (c *Coordinator) track(gen uint64, r *remote) {
	r.peer.SetOnICECandidate(func(candidate domain.ICECandidatePayload) {
		c.sendCandidate(gen, r, candidate)
	})
	r.peer.SetOnStateChange(func(state domain.PeerState) {
		c.onPeerState(gen, r, state)
	})
}

// sendCandidate relays a local candidate to the remote id of the peer that
// produced it. A viewer addresses the implicit master until the answer
// reveals its id.
func (c *Coordinator) sendCandidate(gen uint64, r *remote, candidate domain.ICECandidatePayload) {
	c.mu.Lock()
	if gen != c.gen || c.signaler == nil {
		c.mu.Unlock()
		return
	}
	sig := c.signaler
	recipient := r.id
	c.mu.Unlock()

	if err := sig.SendICECandidate(candidate, recipient); err != nil {
		c.fail(gen, fmt.Errorf("send ice candidate to %q: %w", recipient, err))
	}
}

func (c *Coordinator) onRemoteCandidate(gen uint64, candidate domain.ICECandidatePayload, sender string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	r := c.lookup(sender)
	if r == nil {
		c.queued[sender] = append(c.queued[sender], candidate)
		c.mu.Unlock()
		c.log.Tracef("queued candidate from %q", sender)
		return
	}
	peer := r.peer
	c.mu.Unlock()

	if err := peer.AddRemoteICECandidate(candidate); err != nil {
		c.fail(gen, fmt.Errorf("apply candidate from %q: %w", sender, err))
	}
}

// lookup finds the peer for a sender. A viewer has exactly one peer.
// Caller holds c.mu.
func (c *Coordinator) lookup(sender string) *remote {
	if c.role == domain.RoleViewer {
		for _, r := range c.peers {
			return r
		}
		return nil
	}
	return c.peers[sender]
}

func (c *Coordinator) onPeerState(gen uint64, r *remote, state domain.PeerState) {
	c.mu.Lock()
	if gen != c.gen || c.peers[r.id] != r {
		c.mu.Unlock()
		return
	}
	r.state = state
	id := r.id
	att := c.attempt
	c.mu.Unlock()

	c.log.Debugf("peer %q is %s", id, state)
	if c.cfg.OnPeerState != nil {
		c.cfg.OnPeerState(id, state)
	}

	if att != nil && att.gen == gen {
		switch {
		case state == domain.PeerStateConnected:
			att.negotiated()
			return
		case state.Terminal() && !att.isNegotiated():
			att.failed(fmt.Errorf("%w: %s", ErrPeerFailed, state))
			return
		}
	}
	if state.Terminal() {
		c.report(fmt.Errorf("%w: peer %q is %s", ErrPeerFailed, id, state))
	}
}

// fail reports err and, during a viewer connect, fails the attempt of
// generation gen.
func (c *Coordinator) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	att := c.attempt
	c.mu.Unlock()

	c.report(err)
	if att != nil && att.gen == gen && !att.isNegotiated() {
		att.failed(err)
	}
}

func (c *Coordinator) report(err error) {
	c.log.Warnf("%v", err)
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// handler routes signaling events of one generation back into the
// coordinator. Events from a torn-down channel are dropped.
type handler struct {
	c   *Coordinator
	gen uint64
}

func (h *handler) OnSDPOffer(sdp domain.SDPPayload, sender string) {
	h.c.onOffer(h.gen, sdp, sender)
}

func (h *handler) OnSDPAnswer(sdp domain.SDPPayload, sender string) {
	h.c.onAnswer(h.gen, sdp, sender)
}

func (h *handler) OnRemoteICECandidate(candidate domain.ICECandidatePayload, sender string) {
	h.c.onRemoteCandidate(h.gen, candidate, sender)
}

func (h *handler) OnSignalError(err error) {
	h.c.fail(h.gen, fmt.Errorf("signaling: %w", err))
}

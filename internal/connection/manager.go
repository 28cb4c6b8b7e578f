package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
)

// Default timing values.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectAttempts = 5
	MaxReconnectDelay           = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	// Token is sent as a bearer Authorization header when non-empty.
	Token string
	// TokenSource, if set, supplies the bearer token for every dial,
	// including reconnects, and takes precedence over Token.
	TokenSource func(ctx context.Context) (string, error)

	// Reconnect enables scheduling of reconnect attempts after abnormal closes.
	Reconnect            bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration

	// HeartbeatInterval is the period between heartbeats. Negative disables
	// heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Dialer opens the transport. Defaults to a WebsocketDialer.
	Dialer Dialer

	// Clock defaults to RealClock.
	Clock Clock

	LoggerFactory logging.LoggerFactory
}

// ReconnectDelay returns the backoff before reconnect attempt n (1-based):
// base * 2^(n-1), capped at MaxReconnectDelay.
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	b := newReconnectBackOff(base)
	d := b.NextBackOff()
	for i := 1; i < attempt && d < MaxReconnectDelay; i++ {
		d = b.NextBackOff()
	}
	return d
}

func newReconnectBackOff(base time.Duration) *backoff.ExponentialBackOff {
	if base > MaxReconnectDelay {
		base = MaxReconnectDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.MaxInterval = MaxReconnectDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Manager owns one logical control-channel connection and its recovery
// policy. It schedules reconnects but never redials on its own: the owner
// reacts to EventReconnectDue by calling Reconnect.
type Manager struct {
	opts  Options
	log   logging.LeveledLogger
	clock Clock

	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      uint64
	endpoint string
	params   url.Values

	handlers map[MessageType]Handler
	subs     map[int]func(Event)
	nextSub  int

	heartbeatTimer   Timer
	heartbeatTimeout Timer
	reconnectTimer   Timer
	reconnectSeq     uint64
}

// New creates a disconnected Manager.
func New(opts Options) *Manager {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &WebsocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Manager{
		opts:     opts,
		log:      opts.LoggerFactory.NewLogger("connection"),
		clock:    opts.Clock,
		handlers: make(map[MessageType]Handler),
		subs:     make(map[int]func(Event)),
	}
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOpen reports whether the underlying transport is open right now.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	return conn != nil && conn.IsOpen()
}

// SetReconnect toggles reconnect scheduling for future abnormal closes.
func (m *Manager) SetReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Reconnect = enabled
}

// Subscribe registers fn for every Event and returns a function removing it.
// Callbacks run outside the manager's lock and must not block.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// On registers the handler for a message type, replacing any previous one.
func (m *Manager) On(t MessageType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

// Off removes the handler for a message type.
func (m *Manager) Off(t MessageType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, t)
}

// Connect dials endpoint with params as query string and returns once the
// transport is open or has failed.
func (m *Manager) Connect(ctx context.Context, endpoint string, params url.Values) error {
	u, err := buildURL(endpoint, params)
	if err != nil {
		return &ConnectError{URL: endpoint, Err: err}
	}

	m.mu.Lock()
	switch m.state.Status {
	case StatusConnecting, StatusConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StatusFailed:
		m.mu.Unlock()
		return ErrReconnectExhausted
	}
	m.endpoint, m.params = endpoint, params
	m.stopReconnectTimer()
	reconnecting := m.state.Status == StatusReconnecting
	var events []Event
	m.setStatus(StatusConnecting, &events)
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	m.emit(events)

	var conn Conn
	header, dialErr := m.header(ctx)
	if dialErr == nil {
		m.log.Debugf("connecting to %s", endpoint)
		conn, dialErr = m.opts.Dialer.Dial(ctx, u, header)
	}

	m.mu.Lock()
	events = nil
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close(CloseNormal, "superseded")
		}
		return &ConnectError{URL: endpoint, Err: ErrDisconnected}
	}

	if dialErr != nil {
		var err error = &ConnectError{URL: endpoint, Err: dialErr}
		events = append(events, Event{Kind: EventError, Err: err})
		switch {
		case IsAuthError(dialErr):
			err = dialErr
			m.setStatus(StatusDisconnected, &events)
			events = append(events, Event{Kind: EventAuthFailed, State: m.state, Err: dialErr})
		case reconnecting:
			m.scheduleReconnect(&events)
		default:
			m.setStatus(StatusDisconnected, &events)
		}
		m.mu.Unlock()
		m.log.Warnf("connect %s failed: %v", endpoint, dialErr)
		m.emit(events)
		return err
	}

	m.conn = conn
	m.state.ReconnectAttempts = 0
	m.setStatus(StatusConnected, &events)
	events = append(events, Event{Kind: EventConnected, State: m.state})
	m.startHeartbeat(gen)
	m.mu.Unlock()

	m.log.Infof("connected to %s", endpoint)
	go m.readLoop(gen, conn)
	m.emit(events)
	return nil
}

func (m *Manager) header(ctx context.Context) (http.Header, error) {
	token := m.opts.Token
	if m.opts.TokenSource != nil {
		t, err := m.opts.TokenSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("bearer token: %w", err)
		}
		token = t
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header, nil
}

// Reconnect redials the last endpoint. Owners call it after EventReconnectDue.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	endpoint, params := m.endpoint, m.params
	m.mu.Unlock()
	if endpoint == "" {
		return &ConnectError{Err: ErrNotConnected}
	}
	return m.Connect(ctx, endpoint, params)
}

// Send marshals msg and writes it if the transport is open.
func (m *Manager) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("connection: marshal: %w", err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || !conn.IsOpen() {
		return ErrNotConnected
	}

	m.log.Tracef(">>> %s", data)
	m.writeMu.Lock()
	err = conn.WriteMessage(data)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("connection: send: %w", err)
	}
	return nil
}

// Disconnect stops all timers, closes the transport and moves to
// StatusDisconnected. It is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopHeartbeat()
	m.stopReconnectTimer()
	conn := m.conn
	m.conn = nil
	var events []Event
	m.setStatus(StatusDisconnected, &events)
	m.mu.Unlock()

	if conn != nil {
		conn.Close(CloseNormal, "client disconnect")
		m.log.Debugf("disconnected")
	}
	m.emit(events)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.handleFrame(gen, data)
	}
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	m.log.Tracef("<<< %s", data)

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		m.log.Warnf("dropping malformed frame: %s", data)
		m.emit([]Event{{Kind: EventError, State: m.State(), Err: fmt.Errorf("%w: %s", ErrProtocol, data)}})
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if env.Type == MessageHeartbeatAck {
		if m.heartbeatTimeout != nil {
			m.heartbeatTimeout.Stop()
			m.heartbeatTimeout = nil
		}
		m.state.LastHeartbeatAt = m.clock.Now()
		m.mu.Unlock()
		return
	}
	h := m.handlers[env.Type]
	m.mu.Unlock()

	if h == nil {
		m.log.Debugf("no handler for %q", env.Type)
		return
	}
	h(Message{Type: env.Type, Raw: json.RawMessage(data)})
}

func (m *Manager) handleClose(gen uint64, err error) {
	code, reason := closeInfo(err)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopHeartbeat()
	m.gen++

	events := []Event{{Kind: EventDisconnected, State: m.state, Code: code, Reason: reason, Err: err}}
	switch ClassifyClose(code) {
	case CloseClassNormal:
		m.setStatus(StatusDisconnected, &events)
	case CloseClassAuth:
		m.setStatus(StatusDisconnected, &events)
		events = append(events, Event{
			Kind:   EventAuthFailed,
			State:  m.state,
			Code:   code,
			Reason: reason,
			Err:    &AuthError{Code: code, Reason: reason},
		})
	default:
		m.scheduleReconnect(&events)
	}
	m.mu.Unlock()

	m.log.Infof("connection closed: code=%d reason=%q", code, reason)
	m.emit(events)
}

// scheduleReconnect runs the abnormal-close policy. Caller holds m.mu.
func (m *Manager) scheduleReconnect(events *[]Event) {
	if !m.opts.Reconnect {
		m.setStatus(StatusDisconnected, events)
		return
	}
	if m.state.ReconnectAttempts >= m.opts.MaxReconnectAttempts {
		m.log.Errorf("giving up after %d reconnect attempts", m.state.ReconnectAttempts)
		m.setStatus(StatusFailed, events)
		return
	}

	m.state.ReconnectAttempts++
	m.setStatus(StatusReconnecting, events)

	delay := ReconnectDelay(m.opts.ReconnectBaseDelay, m.state.ReconnectAttempts)
	m.reconnectSeq++
	seq := m.reconnectSeq
	m.log.Infof("reconnect attempt %d in %s", m.state.ReconnectAttempts, delay)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnectDue(seq) })
}

func (m *Manager) reconnectDue(seq uint64) {
	m.mu.Lock()
	if seq != m.reconnectSeq || m.state.Status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	ev := Event{Kind: EventReconnectDue, State: m.state}
	m.mu.Unlock()
	m.emit([]Event{ev})
}

func (m *Manager) stopReconnectTimer() {
	m.reconnectSeq++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// startHeartbeat arms the next heartbeat tick. Caller holds m.mu.
func (m *Manager) startHeartbeat(gen uint64) {
	if m.opts.HeartbeatInterval < 0 {
		return
	}
	m.heartbeatTimer = m.clock.AfterFunc(m.opts.HeartbeatInterval, func() { m.heartbeatTick(gen) })
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.heartbeatTimeout != nil {
		m.heartbeatTimeout.Stop()
		m.heartbeatTimeout = nil
	}
}

func (m *Manager) heartbeatTick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	if m.heartbeatTimeout == nil {
		m.heartbeatTimeout = m.clock.AfterFunc(m.opts.HeartbeatTimeout, func() { m.heartbeatMissed(gen) })
	}
	m.startHeartbeat(gen)
	m.mu.Unlock()

	data, _ := json.Marshal(envelope{Type: MessageHeartbeat})
	m.writeMu.Lock()
	err := conn.WriteMessage(data)
	m.writeMu.Unlock()
	if err != nil {
		m.log.Warnf("heartbeat write: %v", err)
	}
}

func (m *Manager) heartbeatMissed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.heartbeatTimeout = nil
	conn := m.conn
	m.conn = nil
	m.stopHeartbeat()
	m.gen++

	events := []Event{
		{Kind: EventError, State: m.state, Err: ErrHeartbeatTimeout},
		{Kind: EventDisconnected, State: m.state, Code: CloseHeartbeatTimeout, Reason: "heartbeat timeout", Err: ErrHeartbeatTimeout},
	}
	m.scheduleReconnect(&events)
	m.mu.Unlock()

	m.log.Warnf("heartbeat not acknowledged within %s", m.opts.HeartbeatTimeout)
	conn.Close(CloseHeartbeatTimeout, "heartbeat timeout")
	m.emit(events)
}

// setStatus records a transition and queues a state-change event. Caller
// holds m.mu.
func (m *Manager) setStatus(s Status, events *[]Event) {
	if m.state.Status == s {
		return
	}
	m.state.Status = s
	*events = append(*events, Event{Kind: EventStateChange, State: m.state})
}

func (m *Manager) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subs))
	for id := 0; id < m.nextSub; id++ {
		if fn, ok := m.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func buildURL(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q is not absolute", endpoint)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

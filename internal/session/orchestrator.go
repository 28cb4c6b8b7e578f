// Package session drives the create-session handshake over a control
// channel, with bounded retries, credential refresh and cancellation.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"

	"lingocast/native/internal/connection"
	"lingocast/native/internal/credentials"
	"lingocast/native/internal/domain"
)

// Defaults applied by New.
const (
	DefaultRetryAttempts = 3
	DefaultTimeout       = 10 * time.Second
	DefaultRetryDelay    = time.Second
)

// Config configures an Orchestrator.
type Config struct {
	Endpoint       string
	SourceLanguage string
	QualityTier    string

	RetryAttempts int
	// Timeout bounds both the connect phase and the wait for a response.
	Timeout    time.Duration
	RetryDelay time.Duration

	// Connection is the template for each attempt's manager. Reconnect is
	// forced off while the handshake runs and restored on hand-over.
	Connection connection.Options

	// Credentials supplies the bearer token. Nil connects without one.
	Credentials *credentials.Cache

	LoggerFactory logging.LoggerFactory
}

// Session is an established session. The caller owns Conn and must
// Disconnect it.
type Session struct {
	ID        string
	ListenURL string
	Conn      *connection.Manager
}

// Result holds either a Session or an Error.
type Result struct {
	Session *Session
	Err     *Error
}

// OK reports whether the session was created.
func (r Result) OK() bool { return r.Err == nil && r.Session != nil }

type createSessionRequest struct {
	Action         string `json:"action"`
	SourceLanguage string `json:"sourceLanguage"`
	QualityTier    string `json:"qualityTier"`
}

type sessionCreatedMessage struct {
	SessionID string `json:"sessionId"`
	ListenURL string `json:"listenUrl"`
}

type errorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Orchestrator creates sessions one attempt at a time.
type Orchestrator struct {
	cfg Config
	log logging.LeveledLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	run    uint64
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Connection.LoggerFactory == nil {
		cfg.Connection.LoggerFactory = cfg.LoggerFactory
	}
	return &Orchestrator{
		cfg: cfg,
		log: cfg.LoggerFactory.NewLogger("session"),
	}
}

// Abort cancels the in-flight CreateSession, if any. It is safe to call at
// any time and any number of times. An Abort that runs before a concurrent
// CreateSession has started is not remembered; cancel the context passed to
// CreateSession to stop a call regardless of timing.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		o.log.Info("aborting session creation")
		cancel()
	}
}

// CreateSession runs the handshake until it succeeds, fails permanently or
// exhausts its attempts. Starting a new call aborts one still in flight.
func (o *Orchestrator) CreateSession(ctx context.Context) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.run++
	run := o.run
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.run == run {
			o.cancel = nil
		}
		o.mu.Unlock()
	}()

	res := o.createSession(ctx)
	if res.OK() {
		o.log.Infof("session %s created", res.Session.ID)
	} else {
		o.log.Warnf("session creation failed: %v", res.Err)
	}
	return res
}

func (o *Orchestrator) createSession(ctx context.Context) Result {
	budget := o.cfg.RetryAttempts
	forceRefresh := false
	authRetried := false
	var last *Error

	for attempt := 1; attempt <= budget; attempt++ {
		if ctx.Err() != nil {
			return Result{Err: cancelled()}
		}

		creds, err := o.credentials(ctx, forceRefresh)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Err: cancelled()}
			}
			return Result{Err: &Error{Code: CodeAuthFailed, Message: "credential refresh failed", Err: err}}
		}
		forceRefresh = false

		o.log.Debugf("create session attempt %d/%d", attempt, budget)
		sess, serr := o.attempt(ctx, creds)
		if serr == nil {
			return Result{Session: sess}
		}
		last = serr
		o.log.Infof("attempt %d failed: %v", attempt, serr)

		switch {
		case serr.Code == CodeCancelled:
			return Result{Err: serr}
		case serr.IsAuth():
			if authRetried {
				return Result{Err: &Error{Code: CodeAuthFailed, Message: "rejected again after credential refresh", Err: serr}}
			}
			authRetried = true
			forceRefresh = true
			budget++
			continue
		case !serr.Retryable():
			return Result{Err: serr}
		}

		if attempt < budget && o.cfg.RetryDelay > 0 {
			t := time.NewTimer(o.cfg.RetryDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return Result{Err: cancelled()}
			}
		}
	}
	return Result{Err: last}
}

func (o *Orchestrator) credentials(ctx context.Context, force bool) (domain.Credentials, error) {
	if o.cfg.Credentials == nil {
		return domain.Credentials{}, nil
	}
	if force {
		return o.cfg.Credentials.Refresh(ctx)
	}
	return o.cfg.Credentials.Get(ctx)
}

type outcome struct {
	session *Session
	err     *Error
}

// attempt runs one connect-request-response cycle on a fresh manager. The
// manager is disconnected unless it is handed over in the returned Session.
func (o *Orchestrator) attempt(ctx context.Context, creds domain.Credentials) (*Session, *Error) {
	opts := o.cfg.Connection
	opts.Token = creds.AccessToken
	if cache := o.cfg.Credentials; cache != nil {
		opts.TokenSource = func(ctx context.Context) (string, error) {
			creds, err := cache.Get(ctx)
			return creds.AccessToken, err
		}
	}
	opts.Reconnect = false
	conn := connection.New(opts)

	handedOver := false
	defer func() {
		if !handedOver {
			conn.Disconnect()
		}
	}()

	done := make(chan outcome, 1)
	report := func(out outcome) {
		select {
		case done <- out:
		default:
		}
	}

	conn.On(connection.MessageSessionCreated, func(msg connection.Message) {
		var body sessionCreatedMessage
		if err := msg.Decode(&body); err != nil || body.SessionID == "" {
			report(outcome{err: &Error{Code: CodeProtocolError, Message: "malformed sessionCreated message", Err: err}})
			return
		}
		report(outcome{session: &Session{ID: body.SessionID, ListenURL: body.ListenURL, Conn: conn}})
	})
	conn.On(connection.MessageError, func(msg connection.Message) {
		var body errorMessage
		if err := msg.Decode(&body); err != nil || body.Code == "" {
			report(outcome{err: &Error{Code: CodeProtocolError, Message: "malformed error message", Err: err}})
			return
		}
		report(outcome{err: &Error{Code: body.Code, Message: body.Message}})
	})
	unsubscribe := conn.Subscribe(func(ev connection.Event) {
		if ev.Kind != connection.EventDisconnected {
			return
		}
		if connection.ClassifyClose(ev.Code) == connection.CloseClassAuth {
			report(outcome{err: &Error{Code: CodeAuthFailed, Message: "server rejected credentials", Err: ev.Err}})
			return
		}
		report(outcome{err: &Error{Code: CodeConnectionFailed, Message: "connection lost while waiting for session", Err: ev.Err}})
	})
	defer unsubscribe()

	connectCtx, cancelConnect := context.WithTimeout(ctx, o.cfg.Timeout)
	err := conn.Connect(connectCtx, o.cfg.Endpoint, nil)
	timedOut := errors.Is(connectCtx.Err(), context.DeadlineExceeded)
	cancelConnect()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, cancelled()
		case connection.IsAuthError(err):
			return nil, &Error{Code: CodeAuthFailed, Message: "server rejected credentials", Err: err}
		case timedOut:
			return nil, &Error{Code: CodeConnectionTimeout, Message: "timed out opening control channel", Err: err}
		default:
			return nil, &Error{Code: CodeConnectionFailed, Message: "could not open control channel", Err: err}
		}
	}

	if !conn.IsOpen() {
		return nil, &Error{Code: CodeConnectionFailed, Message: "control channel closed before request", Err: connection.ErrNotConnected}
	}
	req := createSessionRequest{
		Action:         "createSession",
		SourceLanguage: o.cfg.SourceLanguage,
		QualityTier:    o.cfg.QualityTier,
	}
	if err := conn.Send(req); err != nil {
		return nil, &Error{Code: CodeConnectionFailed, Message: "could not send createSession", Err: err}
	}

	timer := time.NewTimer(o.cfg.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		conn.Off(connection.MessageSessionCreated)
		conn.Off(connection.MessageError)
		// Closes from here on follow the owner's reconnect policy.
		conn.SetReconnect(o.cfg.Connection.Reconnect)
		if !conn.IsOpen() {
			return nil, &Error{Code: CodeConnectionFailed, Message: "control channel closed after sessionCreated", Err: connection.ErrNotConnected}
		}
		handedOver = true
		return out.session, nil
	case <-timer.C:
		return nil, &Error{Code: CodeCreationTimeout, Message: "no response to createSession"}
	case <-ctx.Done():
		return nil, cancelled()
	}
}

func cancelled() *Error {
	return &Error{Code: CodeCancelled, Message: "session creation cancelled", Err: context.Canceled}
}

// Package signal implements the websocket signaling channel used to
// exchange session descriptions and ICE candidates.
package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"lingocast/native/internal/domain"
)

// Message types carried in the action/messageType fields.
const (
	TypeSDPOffer       = "SDP_OFFER"
	TypeSDPAnswer      = "SDP_ANSWER"
	TypeICECandidate   = "ICE_CANDIDATE"
	TypeStatusResponse = "STATUS_RESPONSE"
	TypeGoAway         = "GO_AWAY"
	TypeReconnectICE   = "RECONNECT_ICE_SERVER"
)

// DefaultPingInterval is the websocket keepalive period.
const DefaultPingInterval = 30 * time.Second

var (
	// ErrClosed is returned by sends on a channel that is not open.
	ErrClosed = errors.New("signal: channel closed")
	// ErrAlreadyOpen is returned by a second Open.
	ErrAlreadyOpen = errors.New("signal: already open")
)

// outbound is the envelope the client sends.
type outbound struct {
	Action            string `json:"action"`
	MessagePayload    string `json:"messagePayload"`
	RecipientClientID string `json:"recipientClientId,omitempty"`
	CorrelationID     string `json:"correlationId,omitempty"`
}

// inbound is the envelope the server sends.
type inbound struct {
	MessageType    string          `json:"messageType"`
	MessagePayload string          `json:"messagePayload,omitempty"`
	SenderClientID string          `json:"senderClientId,omitempty"`
	StatusResponse *statusResponse `json:"statusResponse,omitempty"`
}

type statusResponse struct {
	CorrelationID string `json:"correlationId"`
	ErrorType     string `json:"errorType"`
	StatusCode    string `json:"statusCode"`
	Description   string `json:"description"`
}

// StatusError is a failure reported by the signaling service.
type StatusError struct {
	CorrelationID string
	ErrorType     string
	StatusCode    string
	Description   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("signal: %s (status %s): %s", e.ErrorType, e.StatusCode, e.Description)
}

// Options configures a Client.
type Options struct {
	// URL is the signaling websocket endpoint.
	URL  string
	Role domain.Role
	// ClientID identifies a viewer. Masters leave it empty.
	ClientID  string
	SessionID string
	Token     string
	// TokenSource, if set, supplies the bearer token at each Open and
	// takes precedence over Token.
	TokenSource func(ctx context.Context) (string, error)

	PingInterval time.Duration
	Dialer       *websocket.Dialer

	LoggerFactory logging.LoggerFactory
}

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	opts    Options
	handler domain.Handler
	log     logging.LeveledLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed chan struct{}
	once   sync.Once
}

// NewClient creates a signaling client delivering events to handler.
func NewClient(opts Options, handler domain.Handler) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Client{
		opts:    opts,
		handler: handler,
		log:     opts.LoggerFactory.NewLogger("signal"),
		closed:  make(chan struct{}),
	}
}

// Open dials the signaling WebSocket and starts the read and ping loops.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.mu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("parse signal server: %w", err)
	}
	q := u.Query()
	q.Set("role", string(c.opts.Role))
	if c.opts.ClientID != "" {
		q.Set("clientId", c.opts.ClientID)
	}
	if c.opts.SessionID != "" {
		q.Set("sessionId", c.opts.SessionID)
	}
	u.RawQuery = q.Encode()

	token := c.opts.Token
	if c.opts.TokenSource != nil {
		if token, err = c.opts.TokenSource(ctx); err != nil {
			return fmt.Errorf("signal token: %w", err)
		}
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	c.log.Infof("connecting to %s as %s", u.Host, c.opts.Role)
	conn, _, err := c.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

// Close shuts down the WebSocket connection. It is safe to call repeatedly.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
	})
}

// SendSDPOffer sends a local offer.
func (c *Client) SendSDPOffer(sdp domain.SDPPayload, recipient string) error {
	return c.transmit(TypeSDPOffer, sdp, recipient)
}

// SendSDPAnswer sends a local answer.
func (c *Client) SendSDPAnswer(sdp domain.SDPPayload, recipient string) error {
	return c.transmit(TypeSDPAnswer, sdp, recipient)
}

// SendICECandidate sends a local ICE candidate.
func (c *Client) SendICECandidate(candidate domain.ICECandidatePayload, recipient string) error {
	return c.transmit(TypeICECandidate, candidate, recipient)
}

func (c *Client) transmit(action string, payload any, recipient string) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signal: marshal %s: %w", action, err)
	}
	return c.sendJSON(outbound{
		Action:            action,
		MessagePayload:    base64.StdEncoding.EncodeToString(payloadJSON),
		RecipientClientID: recipient,
		CorrelationID:     uuid.NewString(),
	})
}

func (c *Client) sendJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signal: marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if c.conn == nil {
		return ErrClosed
	}

	c.log.Tracef(">>> %s", data)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signal: write: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warnf("read error: %v", err)
				c.handler.OnSignalError(fmt.Errorf("signal: connection lost: %w", err))
			}
			return
		}

		c.log.Tracef("<<< %s", data)

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warnf("unmarshal error: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg inbound) {
	switch msg.MessageType {
	case TypeSDPOffer, TypeSDPAnswer:
		var sdp domain.SDPPayload
		if err := decodePayload(msg.MessagePayload, &sdp); err != nil {
			c.log.Warnf("decode %s: %v", msg.MessageType, err)
			c.handler.OnSignalError(fmt.Errorf("signal: decode %s from %q: %w", msg.MessageType, msg.SenderClientID, err))
			return
		}
		c.log.Debugf("received %s from %q", msg.MessageType, msg.SenderClientID)
		if msg.MessageType == TypeSDPOffer {
			c.handler.OnSDPOffer(sdp, msg.SenderClientID)
		} else {
			c.handler.OnSDPAnswer(sdp, msg.SenderClientID)
		}

	case TypeICECandidate:
		var candidate domain.ICECandidatePayload
		if err := decodePayload(msg.MessagePayload, &candidate); err != nil {
			c.log.Warnf("decode ICE_CANDIDATE: %v", err)
			c.handler.OnSignalError(fmt.Errorf("signal: decode candidate from %q: %w", msg.SenderClientID, err))
			return
		}
		c.handler.OnRemoteICECandidate(candidate, msg.SenderClientID)

	case TypeStatusResponse:
		if msg.StatusResponse == nil {
			return
		}
		s := msg.StatusResponse
		c.log.Warnf("status response: %s %s %s", s.StatusCode, s.ErrorType, s.Description)
		c.handler.OnSignalError(&StatusError{
			CorrelationID: s.CorrelationID,
			ErrorType:     s.ErrorType,
			StatusCode:    s.StatusCode,
			Description:   s.Description,
		})

	case TypeGoAway, TypeReconnectICE:
		c.log.Infof("server requested %s", msg.MessageType)
		c.handler.OnSignalError(fmt.Errorf("signal: server sent %s", msg.MessageType))

	default:
		c.log.Debugf("unhandled message type: %s", msg.MessageType)
	}
}

func decodePayload(encoded string, v any) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	return json.Unmarshal(decoded, v)
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warnf("ping error: %v", err)
				}
				return
			}
		}
	}
}

// Factory creates a Client per signaling session.
type Factory struct {
	Options Options
}

// NewSignaler implements domain.SignalerFactory. Viewers without a
// configured ClientID get a fresh random one per channel.
func (f *Factory) NewSignaler(handler domain.Handler) domain.Signaler {
	opts := f.Options
	if opts.Role == domain.RoleViewer && opts.ClientID == "" {
		opts.ClientID = "viewer-" + uuid.NewString()
	}
	return NewClient(opts, handler)
}

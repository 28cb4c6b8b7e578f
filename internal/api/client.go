// Package api talks to the lingocast HTTP API for relay configuration and
// token refresh.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"lingocast/native/internal/domain"
)

const (
	iceServersPath = "/relay/iceServers"
	refreshPath    = "/auth/refresh"
)

// ErrUnauthorized is returned for a 401 or 403 response.
var ErrUnauthorized = errors.New("api: unauthorized")

// Error is a non-zero result code in the API envelope.
type Error struct {
	Result int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("API error (result=%d): %s", e.Result, e.Msg)
}

type envelope struct {
	Result int             `json:"result"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

type iceServersRequest struct {
	RequestID string `json:"requestId"`
}

type iceServersResponse struct {
	ICEServers []domain.ICEServer `json:"iceServers"`
}

type refreshRequest struct {
	RequestID    string `json:"requestId"`
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	IDToken      string    `json:"idToken"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	// ExpiresIn is seconds from now, used when ExpiresAt is absent.
	ExpiresIn int64 `json:"expiresIn"`
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client

	LoggerFactory logging.LoggerFactory
}

// Client calls the lingocast HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
	log     logging.LeveledLogger
}

// NewClient creates an API client.
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTPClient,
		now:     time.Now,
		log:     opts.LoggerFactory.NewLogger("api"),
	}
}

// FetchICEServers returns the STUN/TURN servers the caller may use.
func (c *Client) FetchICEServers(ctx context.Context, token string) ([]domain.ICEServer, error) {
	var resp iceServersResponse
	if err := c.post(ctx, iceServersPath, token, iceServersRequest{RequestID: uuid.NewString()}, &resp); err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	c.log.Debugf("received %d ice servers", len(resp.ICEServers))
	return resp.ICEServers, nil
}

// RefreshCredentials exchanges a refresh token for a new bundle. The
// returned ExpiresAt is zero when the service reports no lifetime.
func (c *Client) RefreshCredentials(ctx context.Context, refreshToken string) (domain.Credentials, error) {
	if refreshToken == "" {
		return domain.Credentials{}, fmt.Errorf("refresh credentials: %w: no refresh token", ErrUnauthorized)
	}
	var resp refreshResponse
	req := refreshRequest{RequestID: uuid.NewString(), RefreshToken: refreshToken}
	if err := c.post(ctx, refreshPath, "", req, &resp); err != nil {
		return domain.Credentials{}, fmt.Errorf("refresh credentials: %w", err)
	}

	creds := domain.Credentials{
		IDToken:      resp.IDToken,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
	}
	if creds.ExpiresAt.IsZero() && resp.ExpiresIn > 0 {
		creds.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return creds, nil
}

func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if env.Result != 0 {
		return &Error{Result: env.Result, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	return nil
}

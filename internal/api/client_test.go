package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"lingocast/native/internal/credentials"
	"lingocast/native/internal/domain"
)

type apiServer struct {
	t       *testing.T
	handler func(w http.ResponseWriter, path string, body map[string]any)
	auth    []string
}

func newAPIServer(t *testing.T, handler func(w http.ResponseWriter, path string, body map[string]any)) (*apiServer, *Client) {
	t.Helper()
	s := &apiServer{t: t, handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if id, _ := body["requestId"].(string); uuid.Validate(id) != nil {
			t.Errorf("requestId %q is not a uuid", id)
		}
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.handler(w, r.URL.Path, body)
	}))
	t.Cleanup(srv.Close)
	return s, NewClient(Options{BaseURL: srv.URL + "/"})
}

func writeEnvelope(w http.ResponseWriter, result int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "msg": msg, "data": data})
}

func TestFetchICEServers(t *testing.T) {
	srv, client := newAPIServer(t, func(w http.ResponseWriter, path string, _ map[string]any) {
		if path != iceServersPath {
			t.Errorf("path = %s", path)
		}
		writeEnvelope(w, 0, "ok", map[string]any{
			"iceServers": []map[string]any{
				{"urls": []string{"stun:stun.test:3478"}},
				{"urls": []string{"turn:turn.test:3478"}, "username": "u", "credential": "p"},
			},
		})
	})

	servers, err := client.FetchICEServers(context.Background(), "access-1")
	if err != nil {
		t.Fatalf("FetchICEServers: %v", err)
	}
	if len(servers) != 2 || servers[1].Username != "u" || servers[1].URLs[0] != "turn:turn.test:3478" {
		t.Errorf("servers = %+v", servers)
	}
	if srv.auth[0] != "Bearer access-1" {
		t.Errorf("Authorization = %q", srv.auth[0])
	}
}

func TestFetchICEServers_Errors(t *testing.T) {
	tests := []struct {
		name  string
		reply func(w http.ResponseWriter)
		check func(t *testing.T, err error)
	}{
		{
			name:  "result code",
			reply: func(w http.ResponseWriter) { writeEnvelope(w, 3001, "no relay", nil) },
			check: func(t *testing.T, err error) {
				var apiErr *Error
				if !errors.As(err, &apiErr) || apiErr.Result != 3001 {
					t.Errorf("err = %v, want *Error 3001", err)
				}
			},
		},
		{
			name:  "unauthorized",
			reply: func(w http.ResponseWriter) { w.WriteHeader(http.StatusUnauthorized) },
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("err = %v, want ErrUnauthorized", err)
				}
			},
		},
		{
			name:  "server error",
			reply: func(w http.ResponseWriter) { http.Error(w, "boom", http.StatusInternalServerError) },
			check: func(t *testing.T, err error) {
				if err == nil || errors.Is(err, ErrUnauthorized) {
					t.Errorf("err = %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newAPIServer(t, func(w http.ResponseWriter, _ string, _ map[string]any) { tt.reply(w) })
			_, err := client.FetchICEServers(context.Background(), "t")
			tt.check(t, err)
		})
	}
}

func TestRefreshCredentials(t *testing.T) {
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	srv, client := newAPIServer(t, func(w http.ResponseWriter, path string, body map[string]any) {
		if path != refreshPath {
			t.Errorf("path = %s", path)
		}
		if body["refreshToken"] != "refresh-1" {
			t.Errorf("refreshToken = %v", body["refreshToken"])
		}
		writeEnvelope(w, 0, "ok", map[string]any{
			"idToken":     "id-2",
			"accessToken": "access-2",
			"expiresAt":   expires.Format(time.RFC3339),
		})
	})

	creds, err := client.RefreshCredentials(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("RefreshCredentials: %v", err)
	}
	if creds.AccessToken != "access-2" || !creds.ExpiresAt.Equal(expires) {
		t.Errorf("creds = %+v", creds)
	}
	if srv.auth[0] != "" {
		t.Errorf("refresh sent Authorization %q", srv.auth[0])
	}
}

func TestRefreshCredentials_ExpiresIn(t *testing.T) {
	_, client := newAPIServer(t, func(w http.ResponseWriter, _ string, _ map[string]any) {
		writeEnvelope(w, 0, "ok", map[string]any{"accessToken": "a", "expiresIn": 600})
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	creds, err := client.RefreshCredentials(context.Background(), "r")
	if err != nil {
		t.Fatalf("RefreshCredentials: %v", err)
	}
	if want := now.Add(10 * time.Minute); !creds.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %s, want %s", creds.ExpiresAt, want)
	}
}

func TestRefreshCredentials_NoToken(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://unused.test"})
	if _, err := client.RefreshCredentials(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "speaker",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestTokenProvider_ExpiryFallback(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	_, client := newAPIServer(t, func(w http.ResponseWriter, _ string, _ map[string]any) {
		writeEnvelope(w, 0, "ok", map[string]any{"idToken": signedToken(t, exp), "accessToken": "opaque"})
	})
	p := NewTokenProvider(client, domain.Credentials{AccessToken: signedToken(t, exp.Add(time.Minute))})

	current, err := p.CurrentCredentials(context.Background())
	if err != nil {
		t.Fatalf("CurrentCredentials: %v", err)
	}
	if !current.ExpiresAt.Equal(exp.Add(time.Minute)) {
		t.Errorf("current expiry = %s", current.ExpiresAt)
	}

	fresh, err := p.RefreshCredentials(context.Background(), "r")
	if err != nil {
		t.Fatalf("RefreshCredentials: %v", err)
	}
	if !fresh.ExpiresAt.Equal(exp) {
		t.Errorf("refreshed expiry = %s, want %s from the id token", fresh.ExpiresAt, exp)
	}
}

func TestTokenProvider_OpaqueTokenGetsDefaultLifetime(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://unused.test"})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }
	p := NewTokenProvider(client, domain.Credentials{AccessToken: "opaque"})

	creds, _ := p.CurrentCredentials(context.Background())
	if !creds.ExpiresAt.Equal(now.Add(DefaultTokenLifetime)) {
		t.Errorf("ExpiresAt = %s", creds.ExpiresAt)
	}
}

func TestRelaySource_UsesCachedToken(t *testing.T) {
	srv, client := newAPIServer(t, func(w http.ResponseWriter, _ string, _ map[string]any) {
		writeEnvelope(w, 0, "ok", map[string]any{"iceServers": []map[string]any{{"urls": []string{"stun:s"}}}})
	})
	provider := NewTokenProvider(client, domain.Credentials{
		AccessToken: "cached",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	cache := credentials.NewCache(provider, credentials.Options{})
	defer cache.Release()

	servers, err := NewRelaySource(client, cache).ICEServers(context.Background())
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if len(servers) != 1 || srv.auth[0] != "Bearer cached" {
		t.Errorf("servers = %+v, auth = %v", servers, srv.auth)
	}
}

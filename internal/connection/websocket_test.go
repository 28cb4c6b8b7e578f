package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketDialer_RoundTrip(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"heartbeat"`) {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat_ack"}`))
				continue
			}
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"sessionCreated","sessionId":"abc"}`))
		}
	}))
	defer srv.Close()

	m := New(Options{Token: "secret", HeartbeatInterval: -1})
	defer m.Disconnect()

	created := make(chan Message, 1)
	m.On(MessageSessionCreated, func(msg Message) { created <- msg })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx, wsURL(srv), nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := <-gotAuth; got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if err := m.Send(map[string]string{"action": "createSession"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-created:
		if msg.Type != MessageSessionCreated {
			t.Errorf("type = %q", msg.Type)
		}
	case <-ctx.Done():
		t.Fatal("no sessionCreated received")
	}
}

func TestWebsocketDialer_ServerPolicyClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "token expired"),
			time.Now().Add(time.Second))
		conn.Close()
	}))
	defer srv.Close()

	m := New(Options{Reconnect: true, HeartbeatInterval: -1})
	defer m.Disconnect()
	authFailed := make(chan Event, 1)
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventAuthFailed {
			authFailed <- ev
		}
	})

	if err := m.Connect(context.Background(), wsURL(srv), nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case ev := <-authFailed:
		if ev.Code != ClosePolicyViolation {
			t.Errorf("code = %d, want %d", ev.Code, ClosePolicyViolation)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected auth failure")
	}
	if st := m.State(); st.Status != StatusDisconnected || st.ReconnectAttempts != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestWebsocketDialer_UnauthorizedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := &WebsocketDialer{}
	_, err := d.Dial(context.Background(), wsURL(srv), nil)
	if !IsAuthError(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestWebsocketDialer_AbnormalDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	d := &WebsocketDialer{}
	conn, err := d.Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(CloseNormal, "")

	_, err = conn.ReadMessage()
	code, _ := closeInfo(err)
	if ClassifyClose(code) != CloseClassAbnormal {
		t.Errorf("code %d classified as %v, want abnormal", code, ClassifyClose(code))
	}
	if conn.IsOpen() {
		t.Error("conn still reports open")
	}
}

package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lingocast/native/internal/domain"
)

type recordingHandler struct {
	mu         sync.Mutex
	offers     []string
	answers    []string
	candidates []domain.ICECandidatePayload
	senders    []string
	errs       chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{errs: make(chan error, 8)}
}

func (h *recordingHandler) OnSDPOffer(sdp domain.SDPPayload, sender string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offers = append(h.offers, sdp.SDP)
	h.senders = append(h.senders, sender)
}

func (h *recordingHandler) OnSDPAnswer(sdp domain.SDPPayload, sender string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answers = append(h.answers, sdp.SDP)
	h.senders = append(h.senders, sender)
}

func (h *recordingHandler) OnRemoteICECandidate(c domain.ICECandidatePayload, sender string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.candidates = append(h.candidates, c)
	h.senders = append(h.senders, sender)
}

func (h *recordingHandler) OnSignalError(err error) { h.errs <- err }

func (h *recordingHandler) received() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.offers) + len(h.answers) + len(h.candidates)
}

type fakeServer struct {
	*httptest.Server
	requests chan *http.Request
	conns    chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		requests: make(chan *http.Request, 4),
		conns:    make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.requests <- r
		fs.conns <- conn
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http") + "/signal"
}

func encode(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

func openClient(t *testing.T, fs *fakeServer, opts Options, h domain.Handler) (*Client, *websocket.Conn, *http.Request) {
	t.Helper()
	opts.URL = fs.wsURL()
	c := NewClient(opts, h)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(c.Close)
	return c, <-fs.conns, <-fs.requests
}

func TestClient_OpenSendsIdentity(t *testing.T) {
	fs := newFakeServer(t)
	_, _, req := openClient(t, fs, Options{
		Role:      domain.RoleViewer,
		ClientID:  "viewer-1",
		SessionID: "s-42",
		Token:     "tok",
	}, newRecordingHandler())

	q := req.URL.Query()
	if q.Get("role") != "VIEWER" || q.Get("clientId") != "viewer-1" || q.Get("sessionId") != "s-42" {
		t.Errorf("query = %v", q)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestClient_TokenSource(t *testing.T) {
	fs := newFakeServer(t)
	_, _, req := openClient(t, fs, Options{
		Role:        domain.RoleMaster,
		Token:       "stale",
		TokenSource: func(context.Context) (string, error) { return "fresh", nil },
	}, newRecordingHandler())

	if got := req.Header.Get("Authorization"); got != "Bearer fresh" {
		t.Errorf("Authorization = %q", got)
	}

	failing := NewClient(Options{
		URL:         fs.wsURL(),
		TokenSource: func(context.Context) (string, error) { return "", errors.New("expired") },
	}, newRecordingHandler())
	defer failing.Close()
	if err := failing.Open(context.Background()); err == nil || !strings.Contains(err.Error(), "expired") {
		t.Errorf("Open err = %v", err)
	}
}

func TestClient_SendOfferEncodesPayload(t *testing.T) {
	fs := newFakeServer(t)
	c, srv, _ := openClient(t, fs, Options{Role: domain.RoleViewer}, newRecordingHandler())

	if err := c.SendSDPOffer(domain.SDPPayload{Type: "offer", SDP: "v=0"}, ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.SendICECandidate(domain.ICECandidatePayload{Candidate: "candidate:1", SDPMid: "0"}, "master"); err != nil {
		t.Fatalf("send candidate: %v", err)
	}

	srv.SetReadDeadline(time.Now().Add(2 * time.Second))
	var offer outbound
	if err := srv.ReadJSON(&offer); err != nil {
		t.Fatalf("read: %v", err)
	}
	if offer.Action != TypeSDPOffer || offer.RecipientClientID != "" || offer.CorrelationID == "" {
		t.Errorf("offer envelope = %+v", offer)
	}
	var sdp domain.SDPPayload
	if err := decodePayload(offer.MessagePayload, &sdp); err != nil || sdp.SDP != "v=0" {
		t.Errorf("payload = %+v, %v", sdp, err)
	}

	var cand outbound
	if err := srv.ReadJSON(&cand); err != nil {
		t.Fatalf("read: %v", err)
	}
	if cand.Action != TypeICECandidate || cand.RecipientClientID != "master" {
		t.Errorf("candidate envelope = %+v", cand)
	}
}

func TestClient_DispatchesInbound(t *testing.T) {
	fs := newFakeServer(t)
	h := newRecordingHandler()
	_, srv, _ := openClient(t, fs, Options{Role: domain.RoleMaster}, h)

	srv.WriteJSON(inbound{MessageType: TypeSDPOffer, SenderClientID: "viewer-9",
		MessagePayload: encode(t, domain.SDPPayload{Type: "offer", SDP: "remote"})})
	srv.WriteJSON(inbound{MessageType: TypeICECandidate, SenderClientID: "viewer-9",
		MessagePayload: encode(t, domain.ICECandidatePayload{Candidate: "candidate:2"})})
	srv.WriteJSON(inbound{MessageType: "SOMETHING_NEW"})

	deadline := time.Now().Add(2 * time.Second)
	for h.received() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.offers) != 1 || h.offers[0] != "remote" {
		t.Errorf("offers = %v", h.offers)
	}
	if len(h.candidates) != 1 || h.candidates[0].Candidate != "candidate:2" {
		t.Errorf("candidates = %v", h.candidates)
	}
	for _, s := range h.senders {
		if s != "viewer-9" {
			t.Errorf("sender = %q", s)
		}
	}
}

func TestClient_StatusResponseIsReported(t *testing.T) {
	fs := newFakeServer(t)
	h := newRecordingHandler()
	_, srv, _ := openClient(t, fs, Options{Role: domain.RoleViewer}, h)

	srv.WriteJSON(inbound{MessageType: TypeStatusResponse, StatusResponse: &statusResponse{
		CorrelationID: "c-1", ErrorType: "InvalidArgumentException", StatusCode: "400", Description: "bad sdp",
	}})

	select {
	case err := <-h.errs:
		var se *StatusError
		if !errors.As(err, &se) || se.StatusCode != "400" {
			t.Errorf("err = %v, want *StatusError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status response not reported")
	}
}

func TestClient_BadPayloadIsReported(t *testing.T) {
	fs := newFakeServer(t)
	h := newRecordingHandler()
	_, srv, _ := openClient(t, fs, Options{Role: domain.RoleViewer}, h)

	srv.WriteJSON(inbound{MessageType: TypeSDPAnswer, MessagePayload: "%%%"})

	select {
	case <-h.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("decode failure not reported")
	}
}

func TestClient_ServerDisconnectIsReported(t *testing.T) {
	fs := newFakeServer(t)
	h := newRecordingHandler()
	c, srv, _ := openClient(t, fs, Options{Role: domain.RoleViewer}, h)

	srv.Close()

	select {
	case err := <-h.errs:
		if err == nil {
			t.Fatal("nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lost connection not reported")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.SendSDPOffer(domain.SDPPayload{}, ""); errors.Is(err, ErrClosed) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("send after loss should fail with ErrClosed")
}

func TestClient_CloseIsIdempotentAndSilent(t *testing.T) {
	fs := newFakeServer(t)
	h := newRecordingHandler()
	c, _, _ := openClient(t, fs, Options{Role: domain.RoleViewer}, h)

	c.Close()
	c.Close()

	if err := c.SendSDPOffer(domain.SDPPayload{}, ""); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := c.Open(context.Background()); err == nil {
		t.Error("reopen should fail")
	}
	select {
	case err := <-h.errs:
		t.Errorf("local close reported an error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFactory_AssignsViewerIDs(t *testing.T) {
	f := &Factory{Options: Options{Role: domain.RoleViewer}}
	a := f.NewSignaler(newRecordingHandler()).(*Client)
	b := f.NewSignaler(newRecordingHandler()).(*Client)
	if a.opts.ClientID == "" || a.opts.ClientID == b.opts.ClientID {
		t.Errorf("client ids %q and %q", a.opts.ClientID, b.opts.ClientID)
	}

	m := (&Factory{Options: Options{Role: domain.RoleMaster}}).NewSignaler(newRecordingHandler()).(*Client)
	if m.opts.ClientID != "" {
		t.Errorf("master client id = %q", m.opts.ClientID)
	}
}

package coordinator

import (
	"context"
	"fmt"
	"sync"

	"lingocast/native/internal/domain"
)

// eventLog records lifecycle calls across mocks in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) index(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == event {
			return i
		}
	}
	return -1
}

type sentMessage struct {
	kind      string
	recipient string
	sdp       domain.SDPPayload
	candidate domain.ICECandidatePayload
}

type mockSignaler struct {
	id      int
	log     *eventLog
	handler domain.Handler

	openErr   error
	openBlock bool
	onOffer   func(s *mockSignaler, offer domain.SDPPayload)

	mu     sync.Mutex
	sent   []sentMessage
	closed bool
}

func (s *mockSignaler) Open(ctx context.Context) error {
	s.log.add("signaler%d.open", s.id)
	if s.openBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.openErr
}

func (s *mockSignaler) record(m sentMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
}

func (s *mockSignaler) SendSDPOffer(sdp domain.SDPPayload, recipient string) error {
	s.record(sentMessage{kind: "offer", recipient: recipient, sdp: sdp})
	if s.onOffer != nil {
		go s.onOffer(s, sdp)
	}
	return nil
}

func (s *mockSignaler) SendSDPAnswer(sdp domain.SDPPayload, recipient string) error {
	s.record(sentMessage{kind: "answer", recipient: recipient, sdp: sdp})
	return nil
}

func (s *mockSignaler) SendICECandidate(c domain.ICECandidatePayload, recipient string) error {
	s.record(sentMessage{kind: "candidate", recipient: recipient, candidate: c})
	return nil
}

func (s *mockSignaler) Close() {
	s.log.add("signaler%d.close", s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *mockSignaler) messages(kind string) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (s *mockSignaler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type signalerFactory struct {
	log       *eventLog
	configure func(n int, s *mockSignaler)

	mu      sync.Mutex
	created []*mockSignaler
}

func (f *signalerFactory) NewSignaler(h domain.Handler) domain.Signaler {
	f.mu.Lock()
	s := &mockSignaler{id: len(f.created) + 1, log: f.log, handler: h}
	f.created = append(f.created, s)
	f.mu.Unlock()
	if f.configure != nil {
		f.configure(s.id, s)
	}
	return s
}

func (f *signalerFactory) all() []*mockSignaler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockSignaler(nil), f.created...)
}

type mockPeer struct {
	id       int
	role     domain.Role
	remoteID string
	log      *eventLog

	setRemoteErr error

	mu          sync.Mutex
	onCandidate func(domain.ICECandidatePayload)
	onState     func(domain.PeerState)
	remote      []domain.SDPPayload
	candidates  []domain.ICECandidatePayload
	closed      bool
}

func (p *mockPeer) SetOnICECandidate(fn func(domain.ICECandidatePayload)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *mockPeer) SetOnStateChange(fn func(domain.PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *mockPeer) CreateOffer() (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "offer", SDP: fmt.Sprintf("offer-%d", p.id)}, nil
}

func (p *mockPeer) CreateAnswer() (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "answer", SDP: fmt.Sprintf("answer-%d", p.id)}, nil
}

func (p *mockPeer) SetRemoteDescription(sdp domain.SDPPayload) error {
	if p.setRemoteErr != nil {
		return p.setRemoteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, sdp)
	return nil
}

func (p *mockPeer) AddRemoteICECandidate(c domain.ICECandidatePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *mockPeer) Close() error {
	p.log.add("peer%d.close", p.id)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *mockPeer) fireState(s domain.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *mockPeer) emitCandidate(c domain.ICECandidatePayload) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *mockPeer) snapshot() (remote []domain.SDPPayload, candidates []domain.ICECandidatePayload, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.SDPPayload(nil), p.remote...), append([]domain.ICECandidatePayload(nil), p.candidates...), p.closed
}

type peerFactory struct {
	log       *eventLog
	configure func(n int, p *mockPeer)

	mu      sync.Mutex
	created []*mockPeer
}

func (f *peerFactory) NewPeer(role domain.Role, _ []domain.ICEServer, remoteID string) (domain.Peer, error) {
	f.mu.Lock()
	p := &mockPeer{id: len(f.created) + 1, role: role, remoteID: remoteID, log: f.log}
	f.created = append(f.created, p)
	f.mu.Unlock()
	if f.configure != nil {
		f.configure(p.id, p)
	}
	return p, nil
}

func (f *peerFactory) all() []*mockPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockPeer(nil), f.created...)
}

func (f *peerFactory) last() *mockPeer {
	all := f.all()
	return all[len(all)-1]
}

type staticRelay struct {
	servers []domain.ICEServer
	err     error
}

func (r staticRelay) ICEServers(context.Context) ([]domain.ICEServer, error) {
	return r.servers, r.err
}

type errCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errCollector) add(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *errCollector) all() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

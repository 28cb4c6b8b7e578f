package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"lingocast/native/internal/coordinator"
	"lingocast/native/internal/domain"
)

var errUnreachable = errors.New("signaling unreachable")

type unreachableSignaler struct{}

func (unreachableSignaler) Open(context.Context) error { return errUnreachable }
func (unreachableSignaler) SendSDPOffer(domain.SDPPayload, string) error {
	return nil
}
func (unreachableSignaler) SendSDPAnswer(domain.SDPPayload, string) error {
	return nil
}
func (unreachableSignaler) SendICECandidate(domain.ICECandidatePayload, string) error {
	return nil
}
func (unreachableSignaler) Close() {}

type unreachableFactory struct{ n int }

func (f *unreachableFactory) NewSignaler(domain.Handler) domain.Signaler {
	f.n++
	return unreachableSignaler{}
}

func TestListener_JoinFailure(t *testing.T) {
	factory := &unreachableFactory{}
	coord := coordinator.New(coordinator.Config{Signaling: factory})
	l := NewListener(ListenerConfig{
		Coordinator: coord,
		SessionID:   "s-1",
		Retries:     2,
		RetryDelay:  time.Millisecond,
	})
	defer l.Close()

	_, err := l.StartSession(context.Background())
	if !errors.Is(err, coordinator.ErrRetriesExhausted) || !errors.Is(err, errUnreachable) {
		t.Fatalf("err = %v", err)
	}
	if factory.n != 3 {
		t.Errorf("attempts = %d, want 3", factory.n)
	}

	snap := l.Snapshot()
	if snap.Role != "viewer" || snap.Session != nil || len(snap.Peers) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}

	// A failed join does not trigger rejoins.
	l.OnPeerState("master", domain.PeerStateFailed)
	time.Sleep(10 * time.Millisecond)
	if factory.n != 3 {
		t.Errorf("rejoin attempted after failed join")
	}
}

func TestListener_CloseStopsJoining(t *testing.T) {
	l := NewListener(ListenerConfig{
		Coordinator: coordinator.New(coordinator.Config{Signaling: &unreachableFactory{}}),
		Retries:     0,
	})
	l.Close()
	if _, err := l.StartSession(context.Background()); !errors.Is(err, coordinator.ErrClosed) {
		t.Fatalf("err = %v, want coordinator.ErrClosed", err)
	}
}

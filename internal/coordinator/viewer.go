package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"lingocast/native/internal/domain"
)

// viewerAttempt tracks one offer/answer round.
type viewerAttempt struct {
	gen       uint64
	connected chan struct{}
	errs      chan error

	once sync.Once
	mu   sync.Mutex
	done bool
}

func newViewerAttempt(gen uint64) *viewerAttempt {
	return &viewerAttempt{
		gen:       gen,
		connected: make(chan struct{}),
		errs:      make(chan error, 1),
	}
}

func (a *viewerAttempt) negotiated() {
	a.once.Do(func() {
		a.mu.Lock()
		a.done = true
		a.mu.Unlock()
		close(a.connected)
	})
}

func (a *viewerAttempt) isNegotiated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *viewerAttempt) failed(err error) {
	select {
	case a.errs <- err:
	default:
	}
}

// ConnectAsViewer negotiates a receive-only audio transport with the master.
// The whole sequence is retried up to retries more times, waiting
// initialDelay before the first retry and growing by RetryMultiplier up to
// MaxRetryDelay. Each failed attempt is fully torn down before the next.
// Failures after a successful return are reported to OnError only.
func (c *Coordinator) ConnectAsViewer(ctx context.Context, retries int, initialDelay time.Duration) error {
	ctx, done, err := c.begin(ctx, domain.RoleViewer)
	if err != nil {
		return err
	}
	defer done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialDelay
	b.Multiplier = c.cfg.RetryMultiplier
	b.MaxInterval = c.cfg.MaxRetryDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := b.NextBackOff()
			c.log.Infof("retrying viewer connect in %s (attempt %d/%d)", delay, attempt+1, retries+1)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return c.result(ctx.Err())
			}
		}

		err := c.viewerAttempt(ctx)
		if err == nil {
			c.log.Info("viewer negotiated")
			return nil
		}
		lastErr = err
		c.log.Warnf("viewer attempt %d failed: %v", attempt+1, err)
		c.teardown()

		if ctx.Err() != nil {
			return c.result(ctx.Err())
		}
	}
	return c.result(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, retries+1, lastErr))
}

func (c *Coordinator) viewerAttempt(ctx context.Context) error {
	gen, sig, err := c.openChannel(ctx)
	if err != nil {
		return err
	}

	peer, err := c.cfg.Peers.NewPeer(domain.RoleViewer, c.iceServers(), "")
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	r := &remote{peer: peer, state: domain.PeerStateNew}
	att := newViewerAttempt(gen)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		peer.Close()
		return ErrClosed
	}
	c.peers[r.id] = r
	c.attempt = att
	c.mu.Unlock()
	c.track(gen, r)

	offer, err := peer.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := sig.SendSDPOffer(offer, ""); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	c.log.Debug("offer sent, awaiting answer")

	t := time.NewTimer(c.cfg.NegotiationTimeout)
	defer t.Stop()
	select {
	case <-att.connected:
		return nil
	case err := <-att.errs:
		return err
	case <-t.C:
		return ErrNegotiationTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) iceServers() []domain.ICEServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers
}

// onAnswer applies the master's answer. Only the first answer of an
// attempt is accepted.
func (c *Coordinator) onAnswer(gen uint64, sdp domain.SDPPayload, sender string) {
	c.mu.Lock()
	if gen != c.gen || c.role != domain.RoleViewer {
		c.mu.Unlock()
		c.log.Debugf("ignoring answer from %q", sender)
		return
	}
	r := c.lookup(sender)
	if r == nil {
		c.mu.Unlock()
		c.log.Debugf("answer from %q before offer", sender)
		return
	}
	if r.answered {
		c.mu.Unlock()
		c.log.Debugf("ignoring duplicate answer from %q", sender)
		return
	}
	r.answered = true
	if sender != "" {
		delete(c.peers, r.id)
		r.id = sender
		c.peers[r.id] = r
	}
	peer := r.peer
	c.mu.Unlock()

	if err := peer.SetRemoteDescription(sdp); err != nil {
		c.fail(gen, fmt.Errorf("apply answer from %q: %w", sender, err))
	}
}

// onOffer handles offers for the master role. A viewer never expects one.
func (c *Coordinator) onOffer(gen uint64, sdp domain.SDPPayload, sender string) {
	c.mu.Lock()
	valid := gen == c.gen
	role := c.role
	c.mu.Unlock()
	if !valid {
		return
	}
	if role != domain.RoleMaster {
		c.fail(gen, errors.New("unexpected offer received as viewer"))
		return
	}
	c.answer(gen, sdp, sender)
}

package coordinator

import (
	"context"
	"fmt"

	"lingocast/native/internal/domain"
)

// ConnectAsMaster opens the signaling channel and fetches relay servers,
// then returns. Viewer offers are answered in the background, each with
// its own peer sending the shared local track.
func (c *Coordinator) ConnectAsMaster(ctx context.Context) error {
	ctx, done, err := c.begin(ctx, domain.RoleMaster)
	if err != nil {
		return err
	}
	defer done()

	if _, _, err := c.openChannel(ctx); err != nil {
		c.teardown()
		return c.result(err)
	}
	c.log.Info("master listening for viewers")
	return nil
}

// answer negotiates with one viewer. A repeated offer from the same id
// replaces that viewer's peer.
func (c *Coordinator) answer(gen uint64, sdp domain.SDPPayload, sender string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	old := c.peers[sender]
	delete(c.peers, sender)
	servers := c.servers
	sig := c.signaler
	c.mu.Unlock()

	if old != nil {
		c.log.Infof("viewer %q re-offered, replacing its peer", sender)
		old.peer.Close()
	}

	peer, err := c.cfg.Peers.NewPeer(domain.RoleMaster, servers, sender)
	if err != nil {
		c.report(fmt.Errorf("create peer for %q: %w", sender, err))
		return
	}
	r := &remote{id: sender, peer: peer, state: domain.PeerStateNew, answered: true}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		peer.Close()
		return
	}
	c.peers[sender] = r
	queued := c.queued[sender]
	delete(c.queued, sender)
	c.mu.Unlock()
	c.track(gen, r)

	if err := peer.SetRemoteDescription(sdp); err != nil {
		c.drop(gen, r)
		c.report(fmt.Errorf("apply offer from %q: %w", sender, err))
		return
	}
	for _, candidate := range queued {
		if err := peer.AddRemoteICECandidate(candidate); err != nil {
			c.report(fmt.Errorf("apply queued candidate from %q: %w", sender, err))
		}
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		c.drop(gen, r)
		c.report(fmt.Errorf("create answer for %q: %w", sender, err))
		return
	}
	if err := sig.SendSDPAnswer(answer, sender); err != nil {
		c.drop(gen, r)
		c.report(fmt.Errorf("send answer to %q: %w", sender, err))
		return
	}
	c.log.Infof("answered viewer %q", sender)
}

// drop removes and closes a peer that failed to negotiate.
func (c *Coordinator) drop(gen uint64, r *remote) {
	c.mu.Lock()
	if gen == c.gen && c.peers[r.id] == r {
		delete(c.peers, r.id)
	}
	c.mu.Unlock()
	r.peer.Close()
}

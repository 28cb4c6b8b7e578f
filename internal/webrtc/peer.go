// Package webrtc wraps pion peer connections carrying a single audio stream.
package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"lingocast/native/internal/domain"
)

// Payload types registered with the media engine.
const (
	PayloadTypeOpus = 111
	PayloadTypePCMU = 0
)

// OpusCapability is the codec of the master's local track.
var OpusCapability = pion.RTPCodecCapability{
	MimeType:    pion.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// RTPHandler receives inbound audio packets. remoteID is the sender's
// signaling id, empty for a viewer's single master.
type RTPHandler func(remoteID string, pkt *rtp.Packet)

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	// OnRTP receives audio on viewer peers.
	OnRTP RTPHandler
	// AllowLoopback keeps loopback ICE candidates, for local testing.
	AllowLoopback bool

	LoggerFactory logging.LoggerFactory
}

// Factory builds audio peers sharing one media engine configuration and,
// for masters, one local track.
type Factory struct {
	opts  FactoryOptions
	api   *pion.API
	track *pion.TrackLocalStaticRTP
	log   logging.LeveledLogger
}

// NewFactory registers Opus and PCMU plus NACK interceptors.
func NewFactory(opts FactoryOptions) (*Factory, error) {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	m := &pion.MediaEngine{}
	opusCodec := pion.RTPCodecParameters{
		RTPCodecCapability: OpusCapability,
		PayloadType:        PayloadTypeOpus,
	}
	if err := m.RegisterCodec(opusCodec, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}
	pcmuCodec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:  pion.MimeTypePCMU,
			ClockRate: 8000,
			Channels:  1,
		},
		PayloadType: PayloadTypePCMU,
	}
	if err := m.RegisterCodec(pcmuCodec, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register PCMU: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	s := pion.SettingEngine{LoggerFactory: opts.LoggerFactory}

	track, err := pion.NewTrackLocalStaticRTP(OpusCapability, "audio", "lingocast")
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}

	return &Factory{
		opts: opts,
		api: pion.NewAPI(
			pion.WithMediaEngine(m),
			pion.WithInterceptorRegistry(i),
			pion.WithSettingEngine(s),
		),
		track: track,
		log:   opts.LoggerFactory.NewLogger("webrtc"),
	}, nil
}

// LocalTrack is the audio track every master peer sends. Write RTP to it.
func (f *Factory) LocalTrack() *pion.TrackLocalStaticRTP {
	return f.track
}

// NewPeer implements domain.PeerFactory.
func (f *Factory) NewPeer(role domain.Role, iceServers []domain.ICEServer, remoteID string) (domain.Peer, error) {
	var servers []pion.ICEServer
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := f.api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:            pc,
		role:          role,
		remoteID:      remoteID,
		allowLoopback: f.opts.AllowLoopback,
		log:           f.log,
	}

	switch role {
	case domain.RoleMaster:
		sender, err := pc.AddTrack(f.track)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
		// Read and discard RTCP so the interceptors keep running.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	case domain.RoleViewer:
		if _, err := pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
		p.setOnTrack(f.opts.OnRTP)
	default:
		pc.Close()
		return nil, fmt.Errorf("unknown role %q", role)
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debugf("[%s] ICE connection state: %s", p.label(), state)
	})
	return p, nil
}

// Peer wraps a pion PeerConnection. Remote candidates received before the
// remote description are queued and applied once it is set.
type Peer struct {
	pc            *pion.PeerConnection
	role          domain.Role
	remoteID      string
	allowLoopback bool
	log           logging.LeveledLogger

	mu        sync.Mutex
	remoteSet bool
	pending   []domain.ICECandidatePayload
	closed    bool
}

func (p *Peer) label() string {
	if p.remoteID == "" {
		return strings.ToLower(string(p.role))
	}
	return p.remoteID
}

func (p *Peer) setOnTrack(onRTP RTPHandler) {
	p.pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		p.log.Infof("[%s] got track: kind=%s codec=%s pt=%d", p.label(), track.Kind(), codec.MimeType, codec.PayloadType)

		go func() {
			for {
				pkt, _, err := track.ReadRTP()
				if err != nil {
					p.log.Debugf("[%s] audio track ended: %v", p.label(), err)
					return
				}
				if onRTP != nil {
					onRTP(p.remoteID, pkt)
				}
			}
		}()
	})
}

// SetOnICECandidate registers the callback for locally discovered ICE candidates.
func (p *Peer) SetOnICECandidate(send func(candidate domain.ICECandidatePayload)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.log.Debugf("[%s] ICE gathering complete", p.label())
			return
		}

		init := c.ToJSON()
		if !p.allowLoopback && isLoopback(init.Candidate) {
			p.log.Tracef("[%s] filtering loopback ICE candidate", p.label())
			return
		}

		payload := domain.ICECandidatePayload{Candidate: init.Candidate}
		if init.SDPMid != nil {
			payload.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			payload.SDPMLineIndex = int(*init.SDPMLineIndex)
		}

		p.log.Tracef("[%s] local ICE candidate: %s", p.label(), init.Candidate)
		send(payload)
	})
}

// SetOnStateChange registers the callback for transport state changes.
func (p *Peer) SetOnStateChange(fn func(state domain.PeerState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Infof("[%s] peer connection state: %s", p.label(), state)
		fn(peerState(state))
	})
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	p.log.Debugf("[%s] local SDP offer set", p.label())
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer creates an SDP answer to the remote offer and sets it as the
// local description.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	p.log.Debugf("[%s] local SDP answer set", p.label())
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the remote offer or answer and flushes
// queued remote candidates. A payload without a type is taken as the
// message the role expects: an offer for a master, an answer for a viewer.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	typ := pion.NewSDPType(sdp.Type)
	if typ == pion.SDPTypeUnknown {
		typ = pion.SDPTypeAnswer
		if p.role == domain.RoleMaster {
			typ = pion.SDPTypeOffer
		}
	}

	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: sdp.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debugf("[%s] remote SDP %s set", p.label(), typ)

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range pending {
		if err := p.addCandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddRemoteICECandidate applies the candidate, or queues it until the
// remote description is set.
func (p *Peer) AddRemoteICECandidate(candidate domain.ICECandidatePayload) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		p.log.Tracef("[%s] queued remote ICE candidate", p.label())
		return nil
	}
	p.mu.Unlock()
	return p.addCandidate(candidate)
}

// Pending returns how many remote candidates are queued.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) addCandidate(candidate domain.ICECandidatePayload) error {
	sdpMLineIndex := uint16(candidate.SDPMLineIndex)
	sdpMid := candidate.SDPMid
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	p.log.Tracef("[%s] added remote ICE candidate", p.label())
	return nil
}

// Close shuts down the PeerConnection. It is safe to call repeatedly.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()
	return p.pc.Close()
}

func peerState(s pion.PeerConnectionState) domain.PeerState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.PeerStateConnecting
	case pion.PeerConnectionStateConnected:
		return domain.PeerStateConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.PeerStateDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.PeerStateFailed
	case pion.PeerConnectionStateClosed:
		return domain.PeerStateClosed
	default:
		return domain.PeerStateNew
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}

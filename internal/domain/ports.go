package domain

import "context"

// CredentialProvider is the external auth collaborator.
type CredentialProvider interface {
	CurrentCredentials(ctx context.Context) (Credentials, error)
	RefreshCredentials(ctx context.Context, refreshToken string) (Credentials, error)
}

// CredentialStore persists the credential bundle after a refresh.
type CredentialStore interface {
	Load(ctx context.Context) (Credentials, bool, error)
	Save(ctx context.Context, creds Credentials) error
}

// RelaySource looks up the STUN/TURN servers used to configure a peer.
type RelaySource interface {
	ICEServers(ctx context.Context) ([]ICEServer, error)
}

// Signaler manages the signaling channel. An empty recipient addresses the
// implicit remote end (the master, for a viewer).
type Signaler interface {
	Open(ctx context.Context) error
	SendSDPOffer(sdp SDPPayload, recipient string) error
	SendSDPAnswer(sdp SDPPayload, recipient string) error
	SendICECandidate(candidate ICECandidatePayload, recipient string) error
	Close()
}

// Handler receives signaling events.
type Handler interface {
	OnSDPOffer(sdp SDPPayload, sender string)
	OnSDPAnswer(sdp SDPPayload, sender string)
	OnRemoteICECandidate(candidate ICECandidatePayload, sender string)
	OnSignalError(err error)
}

// Peer manages one peer transport.
type Peer interface {
	SetOnICECandidate(send func(candidate ICECandidatePayload))
	SetOnStateChange(fn func(state PeerState))
	CreateOffer() (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	SetRemoteDescription(sdp SDPPayload) error
	AddRemoteICECandidate(candidate ICECandidatePayload) error
	Close() error
}

// PeerFactory builds a peer for the given role. remoteID is empty for a
// viewer's peer until the master answers.
type PeerFactory interface {
	NewPeer(role Role, servers []ICEServer, remoteID string) (Peer, error)
}

// SignalerFactory opens a fresh signaling channel bound to handler. Each
// connection attempt gets its own channel.
type SignalerFactory interface {
	NewSignaler(handler Handler) Signaler
}

package domain

// Role is the side of the media session a client plays.
type Role string

const (
	// RoleMaster broadcasts audio and answers one offer per viewer.
	RoleMaster Role = "MASTER"
	// RoleViewer receives audio from the single master.
	RoleViewer Role = "VIEWER"
)

// PeerState mirrors the peer transport connection state names.
type PeerState string

const (
	PeerStateNew          PeerState = "new"
	PeerStateConnecting   PeerState = "connecting"
	PeerStateConnected    PeerState = "connected"
	PeerStateDisconnected PeerState = "disconnected"
	PeerStateFailed       PeerState = "failed"
	PeerStateClosed       PeerState = "closed"
)

// Terminal reports whether the transport can no longer recover on its own.
func (s PeerState) Terminal() bool {
	return s == PeerStateFailed || s == PeerStateClosed
}

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

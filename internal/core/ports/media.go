package ports

import (
	"context"

	"chatcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
	// Track is the pion track added to the peer connection. Nil for tracks that
	// are not backed by a real media source.
	Track() webrtc.TrackLocal
}

type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
	Stop()
}

type MediaCapture interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (LocalStream, error)
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

type RemoteStream interface {
	ID() string
	Tracks() []RemoteTrack
	Stats() domain.MediaStats
}

// PeerConnection is the subset of a WebRTC peer connection a media session drives.
type PeerConnection interface {
	AddTrack(track LocalTrack) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	Stats() domain.MediaStats

	// OnICECandidate receives nil when gathering completes.
	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// MediaEvents are the callbacks a media session raises. Any of them may be nil.
type MediaEvents struct {
	OnRemoteStream          func(RemoteStream)
	OnLocalCandidate        func(domain.CandidatePayload)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
}

// MediaSession owns the capture stream and peer connection of one call attempt.
type MediaSession interface {
	AcquireLocalMedia(ctx context.Context, wantsVideo bool) (LocalStream, error)
	PlaceOffer() (domain.SessionPayload, error)
	AcceptOffer(offer domain.SessionPayload) (domain.SessionPayload, error)
	ApplyAnswer(answer domain.SessionPayload)
	AddRemoteCandidate(candidate domain.CandidatePayload)
	ToggleMic(enabled bool)
	ToggleCamera(enabled bool)
	LocalStream() LocalStream
	RemoteStream() RemoteStream
	Teardown()
}

type MediaSessionFactory interface {
	NewMediaSession(events MediaEvents) (MediaSession, error)
}

package webrtc

import (
	"context"
	"fmt"
	"sync"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SessionFactory creates one MediaSession per call attempt.
type SessionFactory struct {
	peers   ports.PeerConnectionFactory
	capture ports.MediaCapture
	logger  *zap.SugaredLogger
}

func NewSessionFactory(peers ports.PeerConnectionFactory, capture ports.MediaCapture, logger *zap.SugaredLogger) *SessionFactory {
	return &SessionFactory{peers: peers, capture: capture, logger: logger}
}

var _ ports.MediaSessionFactory = (*SessionFactory)(nil)

func (f *SessionFactory) NewMediaSession(events ports.MediaEvents) (ports.MediaSession, error) {
	return NewMediaSession(f.peers, f.capture, events, f.logger), nil
}

// MediaSession wraps exactly one peer connection and one local capture stream.
// Events are never raised while the session lock is held, and none are raised
// after Teardown.
type MediaSession struct {
	peers   ports.PeerConnectionFactory
	capture ports.MediaCapture
	events  ports.MediaEvents
	logger  *zap.SugaredLogger

	mu         sync.Mutex
	pc         ports.PeerConnection
	local      ports.LocalStream
	remote     *remoteStream
	negotiated bool
	pending    []domain.CandidatePayload
	seen       map[string]struct{}
	tornDown   bool
}

func NewMediaSession(peers ports.PeerConnectionFactory, capture ports.MediaCapture, events ports.MediaEvents, logger *zap.SugaredLogger) *MediaSession {
	return &MediaSession{
		peers:   peers,
		capture: capture,
		events:  events,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

var _ ports.MediaSession = (*MediaSession)(nil)

// AcquireLocalMedia requests the microphone, and the camera when wantsVideo is
// set, and attaches the resulting tracks to the peer connection.
func (s *MediaSession) AcquireLocalMedia(ctx context.Context, wantsVideo bool) (ports.LocalStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		return nil, fmt.Errorf("%w: session torn down", domain.ErrInvalidState)
	}
	if s.local != nil {
		return nil, domain.ErrAlreadyAcquired
	}

	stream, err := s.capture.GetUserMedia(ctx, ports.MediaConstraints{Audio: true, Video: wantsVideo})
	if err != nil {
		return nil, err
	}

	if err := s.ensurePeerConnection(); err != nil {
		stream.Stop()
		return nil, err
	}
	for _, track := range stream.Tracks() {
		if err := s.pc.AddTrack(track); err != nil {
			stream.Stop()
			return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
	}

	s.local = stream
	return stream, nil
}

// PlaceOffer creates the caller's offer and installs it as local description.
func (s *MediaSession) PlaceOffer() (domain.SessionPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkNegotiable(); err != nil {
		return domain.SessionPayload{}, err
	}

	offer, err := s.pc.CreateOffer()
	if err != nil {
		return domain.SessionPayload{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionPayload{}, fmt.Errorf("failed to set local description: %w", err)
	}

	s.negotiated = true
	return domain.NewSessionPayload(domain.SDPTypeOffer, offer.SDP), nil
}

// AcceptOffer applies a remote offer and returns the answer to publish.
func (s *MediaSession) AcceptOffer(offer domain.SessionPayload) (domain.SessionPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkNegotiable(); err != nil {
		return domain.SessionPayload{}, err
	}
	if err := offer.Validate(domain.SDPTypeOffer); err != nil {
		return domain.SessionPayload{}, fmt.Errorf("%w: %v", domain.ErrMalformedOffer, err)
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return domain.SessionPayload{}, fmt.Errorf("%w: %v", domain.ErrMalformedOffer, err)
	}
	s.flushPending()

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return domain.SessionPayload{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionPayload{}, fmt.Errorf("failed to set local description: %w", err)
	}

	s.negotiated = true
	return domain.NewSessionPayload(domain.SDPTypeAnswer, answer.SDP), nil
}

// ApplyAnswer installs the receiver's answer. It only acts while an offer is
// outstanding; anything else is logged and ignored.
func (s *MediaSession) ApplyAnswer(answer domain.SessionPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		s.logger.Debugw("dropping answer for torn down session")
		return
	}
	if s.pc == nil || s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.logger.Warnw("ignoring answer, no outstanding offer")
		return
	}
	if err := answer.Validate(domain.SDPTypeAnswer); err != nil {
		s.logger.Warnw("dropping malformed answer", "error", fmt.Errorf("%w: %v", domain.ErrMalformedAnswer, err))
		return
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		s.logger.Warnw("failed to apply answer", "error", fmt.Errorf("%w: %v", domain.ErrMalformedAnswer, err))
		return
	}
	s.flushPending()
}

// AddRemoteCandidate applies a candidate from the peer, buffering it until a
// remote description exists. Each distinct candidate is applied once.
func (s *MediaSession) AddRemoteCandidate(candidate domain.CandidatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		s.logger.Debugw("dropping candidate", "error", domain.ErrStaleSignal)
		return
	}
	if err := candidate.Validate(); err != nil {
		s.logger.Warnw("dropping malformed candidate", "error", fmt.Errorf("%w: %v", domain.ErrMalformedCandidate, err))
		return
	}

	key := candidate.Key()
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}

	if s.pc == nil || !s.pc.HasRemoteDescription() {
		s.pending = append(s.pending, candidate)
		return
	}
	s.applyCandidate(candidate)
}

func (s *MediaSession) ToggleMic(enabled bool) {
	s.toggle(webrtc.RTPCodecTypeAudio, enabled)
}

func (s *MediaSession) ToggleCamera(enabled bool) {
	s.toggle(webrtc.RTPCodecTypeVideo, enabled)
}

func (s *MediaSession) LocalStream() ports.LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *MediaSession) RemoteStream() ports.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return nil
	}
	return s.remote
}

// Teardown releases everything the session holds. Only the first call has an
// effect, including calls made from inside an event callback.
func (s *MediaSession) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	pc, local := s.pc, s.local
	s.pending = nil
	s.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Warnw("failed to close peer connection", "error", err)
		}
	}
}

// ensurePeerConnection must be called with mu held.
func (s *MediaSession) ensurePeerConnection() error {
	if s.pc != nil {
		return nil
	}
	pc, err := s.peers.NewPeerConnection()
	if err != nil {
		return err
	}
	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnTrack(s.handleRemoteTrack(pc))
	pc.OnConnectionStateChange(s.handleConnectionState)
	s.pc = pc
	return nil
}

// checkNegotiable must be called with mu held.
func (s *MediaSession) checkNegotiable() error {
	switch {
	case s.tornDown:
		return fmt.Errorf("%w: session torn down", domain.ErrInvalidState)
	case s.local == nil:
		return fmt.Errorf("%w: local media not acquired", domain.ErrInvalidState)
	case s.negotiated:
		return fmt.Errorf("%w: session already negotiated", domain.ErrInvalidState)
	}
	return nil
}

// flushPending must be called with mu held.
func (s *MediaSession) flushPending() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.applyCandidate(c)
	}
}

// applyCandidate must be called with mu held.
func (s *MediaSession) applyCandidate(c domain.CandidatePayload) {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		s.logger.Warnw("failed to add remote candidate",
			"candidate", c.Candidate,
			"error", err,
		)
	}
}

func (s *MediaSession) toggle(kind webrtc.RTPCodecType, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local == nil || s.tornDown {
		return
	}
	for _, t := range s.local.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

func (s *MediaSession) handleLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}

	s.mu.Lock()
	tornDown := s.tornDown
	s.mu.Unlock()
	if tornDown || s.events.OnLocalCandidate == nil {
		return
	}

	s.events.OnLocalCandidate(domain.CandidatePayload{
		Version:          domain.PayloadVersion,
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (s *MediaSession) handleRemoteTrack(pc ports.PeerConnection) func(ports.RemoteTrack) {
	return func(track ports.RemoteTrack) {
		s.mu.Lock()
		if s.tornDown {
			s.mu.Unlock()
			return
		}
		first := s.remote == nil
		if first {
			s.remote = &remoteStream{id: track.StreamID(), stats: pc.Stats}
		}
		s.remote.add(track)
		remote := s.remote
		s.mu.Unlock()

		if first && s.events.OnRemoteStream != nil {
			s.events.OnRemoteStream(remote)
		}
	}
}

func (s *MediaSession) handleConnectionState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	tornDown := s.tornDown
	s.mu.Unlock()

	s.logger.Debugw("peer connection state changed", "state", state.String())
	if tornDown || s.events.OnConnectionStateChange == nil {
		return
	}
	s.events.OnConnectionStateChange(state)
}

type remoteStream struct {
	id     string
	stats  func() domain.MediaStats
	mu     sync.RWMutex
	tracks []ports.RemoteTrack
}

func (r *remoteStream) ID() string { return r.id }

func (r *remoteStream) Tracks() []ports.RemoteTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ports.RemoteTrack(nil), r.tracks...)
}

func (r *remoteStream) Stats() domain.MediaStats {
	return r.stats()
}

func (r *remoteStream) add(track ports.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, track)
}

package webrtc

import (
	"fmt"
	"sync"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// PionPeerConnectionFactory creates peer connections backed by pion.
type PionPeerConnectionFactory struct {
	config WebRTCConfig
	logger *zap.SugaredLogger
}

func NewPionPeerConnectionFactory(config WebRTCConfig, logger *zap.SugaredLogger) *PionPeerConnectionFactory {
	return &PionPeerConnectionFactory{config: config, logger: logger}
}

var _ ports.PeerConnectionFactory = (*PionPeerConnectionFactory)(nil)

// NewPeerConnection builds a fresh API per connection; pion media engines must
// not be shared between peer connections.
func (f *PionPeerConnectionFactory) NewPeerConnection() (ports.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}

	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	return &pionPeerConnection{
		pc:     pc,
		stats:  &statsRecorder{},
		logger: f.logger,
	}, nil
}

type pionPeerConnection struct {
	pc     *webrtc.PeerConnection
	stats  *statsRecorder
	logger *zap.SugaredLogger
}

func (p *pionPeerConnection) AddTrack(track ports.LocalTrack) error {
	local := track.Track()
	if local == nil {
		return fmt.Errorf("track %s has no media source", track.ID())
	}
	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return err
	}

	// RTCP must be drained for interceptors to run.
	go p.readSenderRTCP(sender)
	return nil
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeerConnection) Stats() domain.MediaStats {
	return p.stats.snapshot()
}

func (p *pionPeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *pionPeerConnection) OnTrack(fn func(ports.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Infow("remote track started",
			"track_id", track.ID(),
			"stream_id", track.StreamID(),
			"codec", track.Codec().MimeType,
		)

		go p.readRTP(track)
		go p.readReceiverRTCP(receiver)
		fn(&pionRemoteTrack{track: track})
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

func (p *pionPeerConnection) readRTP(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.logger.Debugw("remote track closed",
				"track_id", track.ID(),
				"error", err,
			)
			return
		}
		p.stats.recordRTP(pkt)
	}
}

func (p *pionPeerConnection) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		p.stats.recordRTCP(packets)
	}
}

func (p *pionPeerConnection) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		p.stats.recordRTCP(packets)
	}
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string                { return t.track.ID() }
func (t *pionRemoteTrack) StreamID() string          { return t.track.StreamID() }
func (t *pionRemoteTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }

// statsRecorder accumulates receive counters from RTP and the loss and jitter
// the peer reports over RTCP.
type statsRecorder struct {
	mu    sync.Mutex
	stats domain.MediaStats
}

func (s *statsRecorder) recordRTP(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Packets++
	s.stats.Bytes += uint64(len(pkt.Payload))
}

func (s *statsRecorder) recordRTCP(packets []rtcp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, packet := range packets {
		switch pkt := packet.(type) {
		case *rtcp.ReceiverReport:
			s.applyReports(pkt.Reports)
		case *rtcp.SenderReport:
			s.applyReports(pkt.Reports)
		}
	}
}

// applyReports must be called with mu held.
func (s *statsRecorder) applyReports(reports []rtcp.ReceptionReport) {
	for _, report := range reports {
		s.stats.PacketsLost = int64(report.TotalLost)
		s.stats.FractionLost = float64(report.FractionLost) / 256.0
		s.stats.Jitter = report.Jitter
	}
}

func (s *statsRecorder) snapshot() domain.MediaStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

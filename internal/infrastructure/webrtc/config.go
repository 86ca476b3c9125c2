package webrtc

import (
	"chatcall/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// ConfigFromSettings converts the webrtc section of the service config.
func ConfigFromSettings(cfg *config.Config) WebRTCConfig {
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = defaultICEServers
	}

	wc := WebRTCConfig{ICEServers: iceServers}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return wc
}

// NewSessionFactoryFromConfig wires pion peer connections and the headless
// device capture described by cfg.
func NewSessionFactoryFromConfig(cfg *config.Config, logger *zap.SugaredLogger) *SessionFactory {
	peers := NewPionPeerConnectionFactory(ConfigFromSettings(cfg), logger)
	capture := NewDeviceCapture(DeviceConfig{
		Microphone: cfg.Media.Microphone,
		Camera:     cfg.Media.Camera,
		Permission: cfg.Media.Permission,
	}, logger)
	return NewSessionFactory(peers, capture, logger)
}

package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const (
	PermissionGrant = "grant"
	PermissionDeny  = "deny"
)

// opusSilence is a single 20ms Opus frame carrying silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const audioFrameDuration = 20 * time.Millisecond

// DeviceConfig describes the capture devices available to a headless endpoint.
type DeviceConfig struct {
	Microphone bool
	Camera     bool
	Permission string
}

// DeviceCapture hands out local tracks from a configured device inventory.
// Audio tracks emit Opus silence while enabled.
type DeviceCapture struct {
	config DeviceConfig
	logger *zap.SugaredLogger
}

func NewDeviceCapture(config DeviceConfig, logger *zap.SugaredLogger) *DeviceCapture {
	return &DeviceCapture{config: config, logger: logger}
}

var _ ports.MediaCapture = (*DeviceCapture)(nil)

func (c *DeviceCapture) GetUserMedia(ctx context.Context, constraints ports.MediaConstraints) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.config.Permission == PermissionDeny {
		return nil, domain.ErrMediaAccessDenied
	}
	if constraints.Audio && !c.config.Microphone {
		return nil, fmt.Errorf("%w: microphone", domain.ErrNoDeviceFound)
	}
	if constraints.Video && !c.config.Camera {
		return nil, fmt.Errorf("%w: camera", domain.ErrNoDeviceFound)
	}

	stream := &localStream{id: utils.GenerateStreamID()}
	if constraints.Audio {
		track, err := newLocalTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, webrtc.RTPCodecTypeAudio, stream.id)
		if err != nil {
			return nil, err
		}
		go track.pump(opusSilence, audioFrameDuration)
		stream.tracks = append(stream.tracks, track)
	}
	if constraints.Video {
		track, err := newLocalTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, webrtc.RTPCodecTypeVideo, stream.id)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.tracks = append(stream.tracks, track)
	}

	c.logger.Debugw("local media acquired",
		"stream_id", stream.id,
		"audio", constraints.Audio,
		"video", constraints.Video,
	)
	return stream, nil
}

type localStream struct {
	id     string
	tracks []ports.LocalTrack
}

func (s *localStream) ID() string                 { return s.id }
func (s *localStream) Tracks() []ports.LocalTrack { return s.tracks }

func (s *localStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

type localTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func newLocalTrack(capability webrtc.RTPCodecCapability, kind webrtc.RTPCodecType, streamID string) (*localTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(capability, fmt.Sprintf("%s-%s", kind, streamID), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	t := &localTrack{
		track: track,
		kind:  kind,
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *localTrack) ID() string                { return t.track.ID() }
func (t *localTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *localTrack) Enabled() bool             { return t.enabled.Load() }
func (t *localTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *localTrack) Stopped() bool             { return t.stopped.Load() }
func (t *localTrack) Track() webrtc.TrackLocal  { return t.track }

func (t *localTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		close(t.done)
	})
}

func (t *localTrack) pump(frame []byte, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			// Writes before the track is bound are dropped by pion.
			_ = t.track.WriteSample(media.Sample{Data: frame, Duration: every})
		}
	}
}

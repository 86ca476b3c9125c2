package webrtc

import (
	"context"
	"testing"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDeviceCapture(t *testing.T) {
	logger := zap.NewNop().Sugar()
	ctx := context.Background()

	t.Run("permission denied", func(t *testing.T) {
		c := NewDeviceCapture(DeviceConfig{Microphone: true, Camera: true, Permission: PermissionDeny}, logger)
		_, err := c.GetUserMedia(ctx, ports.MediaConstraints{Audio: true})
		assert.ErrorIs(t, err, domain.ErrMediaAccessDenied)
	})

	t.Run("no camera", func(t *testing.T) {
		c := NewDeviceCapture(DeviceConfig{Microphone: true, Permission: PermissionGrant}, logger)
		_, err := c.GetUserMedia(ctx, ports.MediaConstraints{Audio: true, Video: true})
		assert.ErrorIs(t, err, domain.ErrNoDeviceFound)
	})

	t.Run("audio and video", func(t *testing.T) {
		c := NewDeviceCapture(DeviceConfig{Microphone: true, Camera: true, Permission: PermissionGrant}, logger)
		stream, err := c.GetUserMedia(ctx, ports.MediaConstraints{Audio: true, Video: true})
		require.NoError(t, err)
		require.Len(t, stream.Tracks(), 2)
		assert.Equal(t, webrtc.RTPCodecTypeAudio, stream.Tracks()[0].Kind())
		assert.Equal(t, webrtc.RTPCodecTypeVideo, stream.Tracks()[1].Kind())

		stream.Stop()
		stream.Stop()
		for _, tr := range stream.Tracks() {
			assert.True(t, tr.Stopped())
			assert.False(t, tr.Enabled())
		}
	})
}

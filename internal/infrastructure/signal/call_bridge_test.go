package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/internal/core/services"
	"chatcall/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const bridgeSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type stubMedia struct{}

func (stubMedia) AcquireLocalMedia(ctx context.Context, wantsVideo bool) (ports.LocalStream, error) {
	return nil, nil
}

func (stubMedia) PlaceOffer() (domain.SessionPayload, error) {
	return domain.NewSessionPayload(domain.SDPTypeOffer, bridgeSDP), nil
}

func (stubMedia) AcceptOffer(offer domain.SessionPayload) (domain.SessionPayload, error) {
	if err := offer.Validate(domain.SDPTypeOffer); err != nil {
		return domain.SessionPayload{}, err
	}
	return domain.NewSessionPayload(domain.SDPTypeAnswer, bridgeSDP), nil
}

func (stubMedia) ApplyAnswer(domain.SessionPayload)          {}
func (stubMedia) AddRemoteCandidate(domain.CandidatePayload) {}
func (stubMedia) ToggleMic(bool)                             {}
func (stubMedia) ToggleCamera(bool)                          {}
func (stubMedia) LocalStream() ports.LocalStream             { return nil }
func (stubMedia) RemoteStream() ports.RemoteStream           { return nil }
func (stubMedia) Teardown()                                  {}

type stubMediaFactory struct{}

func (stubMediaFactory) NewMediaSession(ports.MediaEvents) (ports.MediaSession, error) {
	return stubMedia{}, nil
}

type bridgeFixture struct {
	server *httptest.Server
	bridge *CallBridge
	auth   services.AuthService
}

func newBridgeFixture(t *testing.T, mutate func(*BridgeConfig)) *bridgeFixture {
	t.Helper()

	transport := memory.NewMemoryCallTransport()
	contacts := memory.NewMemoryContactDirectory(
		domain.Contact{UserID: "alice", DisplayName: "Alice"},
		domain.Contact{UserID: "bob", DisplayName: "Bob"},
	)
	auth := services.NewAuthService("test-secret", time.Hour)

	cfg := DefaultBridgeConfig()
	cfg.Call = services.CallControllerConfig{RingTimeout: 5 * time.Second, OpTimeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}

	bridge := NewCallBridge(transport, stubMediaFactory{}, contacts, services.NewMetricsService(nil), auth, cfg, zap.NewNop().Sugar())
	server := httptest.NewServer(http.HandlerFunc(bridge.HandleWebSocket))
	t.Cleanup(func() {
		bridge.Shutdown(context.Background())
		server.Close()
		transport.Close()
	})
	return &bridgeFixture{server: server, bridge: bridge, auth: auth}
}

func (f *bridgeFixture) dial(t *testing.T, user domain.UserID) *websocket.Conn {
	t.Helper()
	token, err := f.auth.GenerateToken(user, string(user))
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	ready := readUntil(t, conn, MessageReady)
	assert.Equal(t, user, ready.UserID)
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) ServerMessage {
	t.Helper()
	return readMatching(t, conn, func(m ServerMessage) bool { return m.Type == msgType })
}

func readState(t *testing.T, conn *websocket.Conn, state domain.CallState) ServerMessage {
	t.Helper()
	return readMatching(t, conn, func(m ServerMessage) bool {
		return m.Type == MessageCallState && m.Call != nil && m.Call.State == state
	})
}

func readMatching(t *testing.T, conn *websocket.Conn, match func(ServerMessage) bool) ServerMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func TestCallBridge_PlaceAnswerEnd(t *testing.T) {
	f := newBridgeFixture(t, nil)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	require.NoError(t, alice.WriteJSON(ClientMessage{
		Action:     ActionPlaceCall,
		RequestID:  "r1",
		ReceiverID: "bob",
		CallType:   domain.CallTypeVideo,
	}))

	placed := readUntil(t, alice, MessageCallPlaced)
	assert.Equal(t, "r1", placed.RequestID)
	require.NotEmpty(t, placed.CallID)

	incoming := readUntil(t, bob, MessageIncomingCall)
	assert.Equal(t, placed.CallID, incoming.CallID)
	require.NotNil(t, incoming.Call)
	assert.True(t, incoming.Call.Incoming)
	assert.Equal(t, "Alice", incoming.Call.Contact.DisplayName)
	assert.Equal(t, domain.CallTypeVideo, incoming.Call.Type)

	require.NoError(t, bob.WriteJSON(ClientMessage{Action: ActionAnswer, CallID: placed.CallID}))

	readState(t, bob, domain.CallStateConnected)
	connected := readState(t, alice, domain.CallStateConnected)
	assert.Equal(t, "Bob", connected.Call.Contact.DisplayName)

	require.NoError(t, alice.WriteJSON(ClientMessage{Action: ActionEndCall, CallID: placed.CallID}))

	readState(t, alice, domain.CallStateEnded)
	readState(t, bob, domain.CallStateEnded)
}

func TestCallBridge_Decline(t *testing.T) {
	f := newBridgeFixture(t, nil)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	require.NoError(t, alice.WriteJSON(ClientMessage{Action: ActionPlaceCall, ReceiverID: "bob", CallType: domain.CallTypeVoice}))
	placed := readUntil(t, alice, MessageCallPlaced)
	readUntil(t, bob, MessageIncomingCall)

	require.NoError(t, bob.WriteJSON(ClientMessage{Action: ActionDecline, CallID: placed.CallID}))

	readState(t, bob, domain.CallStateRejected)
	readState(t, alice, domain.CallStateRejected)
}

func TestCallBridge_UnknownActionAndMissingCall(t *testing.T) {
	f := newBridgeFixture(t, nil)
	alice := f.dial(t, "alice")

	require.NoError(t, alice.WriteJSON(ClientMessage{Action: "dance", RequestID: "r1"}))
	msg := readUntil(t, alice, MessageError)
	assert.Equal(t, "r1", msg.RequestID)
	assert.Equal(t, "INVALID_INPUT", msg.Code)

	require.NoError(t, alice.WriteJSON(ClientMessage{Action: ActionAnswer, RequestID: "r2", CallID: "nope"}))
	msg = readUntil(t, alice, MessageError)
	assert.Equal(t, "r2", msg.RequestID)
	assert.Equal(t, "INVALID_INPUT", msg.Code)

	unknown := domain.NewCallID("alice", "bob", time.Now())
	require.NoError(t, alice.WriteJSON(ClientMessage{Action: ActionAnswer, RequestID: "r3", CallID: unknown}))
	msg = readUntil(t, alice, MessageError)
	assert.Equal(t, "r3", msg.RequestID)
	assert.Equal(t, "INVALID_STATE", msg.Code)
}

func TestCallBridge_RejectsUnauthenticated(t *testing.T) {
	f := newBridgeFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCallBridge_RejectsForeignOrigin(t *testing.T) {
	f := newBridgeFixture(t, func(c *BridgeConfig) {
		c.AllowedOrigins = []string{"https://chat.example.com"}
	})
	token, err := f.auth.GenerateToken("alice", "Alice")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + token
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCallBridge_MaxConcurrent(t *testing.T) {
	f := newBridgeFixture(t, func(c *BridgeConfig) { c.MaxConcurrent = 1 })
	f.dial(t, "alice")

	token, err := f.auth.GenerateToken("bob", "Bob")
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, f.bridge.ConnectionCount())
}

func TestCallBridge_MessageRateLimit(t *testing.T) {
	f := newBridgeFixture(t, func(c *BridgeConfig) {
		c.MessagesPerSecond = 0.001
		c.Burst = 1
	})
	alice := f.dial(t, "alice")

	id := domain.NewCallID("alice", "bob", time.Now())
	require.NoError(t, alice.WriteJSON(ClientMessage{Action: ActionToggleMic, CallID: id}))
	require.NoError(t, alice.WriteJSON(ClientMessage{Action: ActionToggleMic, CallID: id, RequestID: "limited"}))

	msg := readUntil(t, alice, MessageError)
	assert.Equal(t, "limited", msg.RequestID)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", msg.Code)
}

package signal

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/internal/core/services"
	apperrors "chatcall/pkg/errors"
	"chatcall/pkg/tracing"
	"chatcall/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client actions.
const (
	ActionPlaceCall   = "place_call"
	ActionAnswer      = "answer"
	ActionDecline     = "decline"
	ActionEndCall     = "end_call"
	ActionToggleMic   = "toggle_mic"
	ActionToggleVideo = "toggle_video"
)

// Server messages.
const (
	MessageReady        = "ready"
	MessageCallPlaced   = "call_placed"
	MessageIncomingCall = "incoming_call"
	MessageCallState    = "call_state"
	MessageCallFailed   = "call_failed"
	MessageError        = "error"
)

type BridgeConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int

	// MessagesPerSecond and Burst limit client actions per connection. Zero
	// disables the limit.
	MessagesPerSecond float64
	Burst             int
	// ConnectionsPerMinute and MaxConcurrent limit connection setup across the
	// bridge. Zero disables either limit.
	ConnectionsPerMinute int
	MaxConcurrent        int
	MaxMessageSize       int64

	AllowedOrigins []string
	Call           services.CallControllerConfig
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// TokenValidator resolves a bearer token to the user it was issued to.
type TokenValidator interface {
	ValidateToken(token string) (*services.Claims, error)
}

// BridgeMetrics is implemented by the Prometheus collector.
type BridgeMetrics interface {
	BridgeConnected()
	BridgeDisconnected()
	BridgeMessage(direction, msgType string)
}

// ClientMessage is an action sent by the browser.
type ClientMessage struct {
	Action     string          `json:"action"`
	RequestID  string          `json:"request_id,omitempty"`
	CallID     domain.CallID   `json:"call_id,omitempty"`
	ReceiverID domain.UserID   `json:"receiver_id,omitempty"`
	CallType   domain.CallType `json:"call_type,omitempty"`
	Enabled    bool            `json:"enabled,omitempty"`
}

// ServerMessage is pushed to the browser.
type ServerMessage struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	UserID    domain.UserID `json:"user_id,omitempty"`
	CallID    domain.CallID `json:"call_id,omitempty"`
	Call      *CallPayload  `json:"call,omitempty"`
	Code      string        `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// CallPayload is the JSON form of a call view.
type CallPayload struct {
	CallID          domain.CallID      `json:"call_id"`
	Type            domain.CallType    `json:"type"`
	State           domain.CallState   `json:"state"`
	Incoming        bool               `json:"incoming"`
	Contact         domain.Contact     `json:"contact"`
	ElapsedMs       int64              `json:"elapsed_ms"`
	MicEnabled      bool               `json:"mic_enabled"`
	VideoEnabled    bool               `json:"video_enabled"`
	HasLocalStream  bool               `json:"has_local_stream"`
	HasRemoteStream bool               `json:"has_remote_stream"`
	RemoteStats     *domain.MediaStats `json:"remote_stats,omitempty"`
	Reason          string             `json:"reason,omitempty"`
}

func newCallPayload(view ports.CallView) *CallPayload {
	p := &CallPayload{
		CallID:         view.CallID,
		Type:           view.Type,
		State:          view.State,
		Incoming:       view.Incoming,
		Contact:        view.Contact,
		ElapsedMs:      view.Elapsed.Milliseconds(),
		MicEnabled:     view.MicEnabled,
		VideoEnabled:   view.VideoEnabled,
		HasLocalStream: view.LocalStream != nil,
		Reason:         view.Reason,
	}
	if view.RemoteStream != nil {
		stats := view.RemoteStream.Stats()
		p.HasRemoteStream = true
		p.RemoteStats = &stats
	}
	return p
}

// CallBridge carries the call screen contract over WebSocket. Every
// connection runs its own CallController for the authenticated user.
type CallBridge struct {
	transport ports.SignalingTransport
	media     ports.MediaSessionFactory
	contacts  ports.ContactDirectory
	metrics   ports.CallMetrics
	auth      TokenValidator
	config    BridgeConfig
	logger    *zap.SugaredLogger

	upgrader     websocket.Upgrader
	connLimiter  *rate.Limiter
	bridgeMetric BridgeMetrics

	mu     sync.Mutex
	conns  map[*bridgeConn]struct{}
	closed bool
}

func NewCallBridge(
	transport ports.SignalingTransport,
	media ports.MediaSessionFactory,
	contacts ports.ContactDirectory,
	metrics ports.CallMetrics,
	auth TokenValidator,
	config BridgeConfig,
	logger *zap.SugaredLogger,
) *CallBridge {
	defaults := DefaultBridgeConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongTimeout <= config.PingInterval {
		config.PongTimeout = 2 * config.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}

	b := &CallBridge{
		transport: transport,
		media:     media,
		contacts:  contacts,
		metrics:   metrics,
		auth:      auth,
		config:    config,
		logger:    logger,
		conns:     make(map[*bridgeConn]struct{}),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     b.checkOrigin,
	}
	if config.ConnectionsPerMinute > 0 {
		b.connLimiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.ConnectionsPerMinute)), config.ConnectionsPerMinute)
	}
	if bm, ok := metrics.(BridgeMetrics); ok {
		b.bridgeMetric = bm
	}
	return b
}

// SetBridgeMetrics overrides the sink for connection and message counters.
func (b *CallBridge) SetBridgeMetrics(m BridgeMetrics) {
	b.bridgeMetric = m
}

// ConnectionCount returns the number of open connections.
func (b *CallBridge) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// HandleWebSocket authenticates the request, upgrades it and serves the
// connection until it closes.
func (b *CallBridge) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := b.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if b.connLimiter != nil && !b.connLimiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		http.Error(w, "bridge is shutting down", http.StatusServiceUnavailable)
		return
	}
	if b.config.MaxConcurrent > 0 && len(b.conns) >= b.config.MaxConcurrent {
		b.mu.Unlock()
		http.Error(w, "too many concurrent connections", http.StatusServiceUnavailable)
		return
	}
	b.mu.Unlock()

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	conn := b.newConn(ws, claims.UserID)
	if !b.track(conn) {
		ws.Close()
		return
	}
	defer b.untrack(conn)

	conn.serve(r.Context())
}

// Shutdown closes every connection, hanging up their calls.
func (b *CallBridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	conns := make([]*bridgeConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.controller.Stop(ctx)
		c.close()
	}
}

func (b *CallBridge) authenticate(r *http.Request) (*services.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = parts[1]
		}
	}
	if token == "" {
		return nil, fmt.Errorf("missing access token")
	}
	return b.auth.ValidateToken(token)
}

func (b *CallBridge) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range b.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (b *CallBridge) track(c *bridgeConn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[c] = struct{}{}
	if b.bridgeMetric != nil {
		b.bridgeMetric.BridgeConnected()
	}
	return true
}

func (b *CallBridge) untrack(c *bridgeConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[c]; !ok {
		return
	}
	delete(b.conns, c)
	if b.bridgeMetric != nil {
		b.bridgeMetric.BridgeDisconnected()
	}
}

func (b *CallBridge) countMessage(direction, msgType string) {
	if b.bridgeMetric != nil {
		b.bridgeMetric.BridgeMessage(direction, msgType)
	}
}

// bridgeConn is one browser connection. It is the CallScreen of its
// controller: screen callbacks only enqueue, the write pump does the I/O.
type bridgeConn struct {
	bridge     *CallBridge
	ws         *websocket.Conn
	user       domain.UserID
	controller *services.CallController
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger

	send      chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (b *CallBridge) newConn(ws *websocket.Conn, user domain.UserID) *bridgeConn {
	c := &bridgeConn{
		bridge: b,
		ws:     ws,
		user:   user,
		logger: b.logger.With("user_id", user),
		send:   make(chan ServerMessage, b.config.SendBuffer),
		done:   make(chan struct{}),
	}
	if b.config.MessagesPerSecond > 0 {
		burst := b.config.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(b.config.MessagesPerSecond), burst)
	}
	c.controller = services.NewCallController(user, b.transport, b.media, b.contacts, c, b.metrics, b.logger, b.config.Call)
	return c
}

var _ ports.CallScreen = (*bridgeConn)(nil)

func (c *bridgeConn) ShowIncoming(view ports.CallView) {
	c.enqueue(ServerMessage{Type: MessageIncomingCall, CallID: view.CallID, Call: newCallPayload(view)})
}

func (c *bridgeConn) Render(view ports.CallView) {
	c.enqueue(ServerMessage{Type: MessageCallState, CallID: view.CallID, Call: newCallPayload(view)})
}

func (c *bridgeConn) Failed(callID domain.CallID, err error) {
	appErr := apperrors.FromDomain(err)
	c.enqueue(ServerMessage{Type: MessageCallFailed, CallID: callID, Code: string(appErr.Code), Error: err.Error()})
}

func (c *bridgeConn) serve(ctx context.Context) {
	c.logger.Infow("call bridge connected")
	go c.writePump()

	c.enqueue(ServerMessage{Type: MessageReady, UserID: c.user})

	startCtx, cancel := context.WithTimeout(ctx, c.bridge.config.WriteTimeout)
	err := c.controller.Start(startCtx)
	cancel()
	if err != nil {
		c.logger.Warnw("failed to start call controller", "error", err)
		c.enqueue(errorMessage("", err))
	} else {
		c.readPump()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.bridge.config.WriteTimeout)
	c.controller.Stop(stopCtx)
	stopCancel()
	c.close()
	c.logger.Infow("call bridge disconnected")
}

func (c *bridgeConn) readPump() {
	cfg := c.bridge.config
	if cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(cfg.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("error reading bridge message", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		c.bridge.countMessage("in", msg.Action)

		if c.limiter != nil && !c.limiter.Allow() {
			c.enqueue(errorMessage(msg.RequestID, apperrors.NewRateLimitError()))
			continue
		}
		if err := c.handle(msg); err != nil {
			c.logger.Infow("bridge action failed",
				"action", msg.Action,
				"call_id", msg.CallID,
				"error", err,
			)
			c.enqueue(errorMessage(msg.RequestID, err))
		}
	}
}

func (c *bridgeConn) handle(msg ClientMessage) error {
	ctx, span := tracing.TraceWebSocketMessage(context.Background(), msg.Action, string(c.user))
	defer span.End()
	if msg.CallID != "" {
		span.SetAttributes(tracing.CallIDKey.String(string(msg.CallID)))
	}

	if targetsCall(msg.Action) {
		if err := validation.ValidateCallID(string(msg.CallID)); err != nil {
			tracing.RecordError(span, err)
			return apperrors.NewInvalidInputError(err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.bridge.config.WriteTimeout)
	defer cancel()

	var err error
	switch msg.Action {
	case ActionPlaceCall:
		var id domain.CallID
		id, err = c.controller.PlaceCall(ctx, msg.ReceiverID, msg.CallType)
		if err == nil {
			c.enqueue(ServerMessage{Type: MessageCallPlaced, RequestID: msg.RequestID, CallID: id})
		}
	case ActionAnswer:
		err = c.controller.Answer(ctx, msg.CallID)
	case ActionDecline:
		err = c.controller.Decline(ctx, msg.CallID)
	case ActionEndCall:
		err = c.controller.EndCall(ctx, msg.CallID)
	case ActionToggleMic:
		c.controller.ToggleMic(msg.CallID, msg.Enabled)
	case ActionToggleVideo:
		c.controller.ToggleVideo(msg.CallID, msg.Enabled)
	case "":
		err = apperrors.NewInvalidInputError("action is required")
	default:
		err = apperrors.NewInvalidInputError(fmt.Sprintf("unknown action: %s", msg.Action))
	}
	tracing.RecordError(span, err)
	return err
}

func targetsCall(action string) bool {
	switch action {
	case ActionAnswer, ActionDecline, ActionEndCall, ActionToggleMic, ActionToggleVideo:
		return true
	}
	return false
}

func (c *bridgeConn) writePump() {
	cfg := c.bridge.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Infow("error writing bridge message", "type", msg.Type, "error", err)
				c.close()
				return
			}
			c.bridge.countMessage("out", msg.Type)

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Infow("error sending ping", "error", err)
				c.close()
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (c *bridgeConn) enqueue(msg ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.logger.Warnw("bridge send buffer full, closing connection", "type", msg.Type)
		c.close()
	}
}

func (c *bridgeConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		// unblocks readPump; the write pump sends the close frame first
		time.AfterFunc(c.bridge.config.WriteTimeout, func() { c.ws.Close() })
		c.ws.SetReadDeadline(time.Now())
	})
}

func errorMessage(requestID string, err error) ServerMessage {
	appErr := apperrors.FromDomain(err)
	return ServerMessage{
		Type:      MessageError,
		RequestID: requestID,
		Code:      string(appErr.Code),
		Error:     appErr.Message,
	}
}

package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/cache"

	"go.uber.org/zap"
)

const (
	DefaultRingTimeout = 45 * time.Second
	defaultOpTimeout   = 10 * time.Second
)

type CallControllerConfig struct {
	// RingTimeout is how long an unanswered outgoing call rings before it is
	// recorded as missed.
	RingTimeout time.Duration
	// OpTimeout bounds transport writes triggered from timers and callbacks.
	OpTimeout time.Duration
}

// CallController runs every call of one local user: it places outgoing calls,
// watches for incoming ones and routes screen actions to the right session.
type CallController struct {
	self      domain.UserID
	transport ports.SignalingTransport
	media     ports.MediaSessionFactory
	contacts  ports.ContactDirectory
	screen    ports.CallScreen
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger
	config    CallControllerConfig
	now       func() time.Time

	mu            sync.RWMutex
	sessions      map[domain.CallID]*CallSession
	seen          *cache.Cache[domain.CallID, struct{}]
	unsubIncoming ports.Unsubscribe
	stopped       bool
}

func NewCallController(
	self domain.UserID,
	transport ports.SignalingTransport,
	media ports.MediaSessionFactory,
	contacts ports.ContactDirectory,
	screen ports.CallScreen,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
	config CallControllerConfig,
) *CallController {
	if config.RingTimeout <= 0 {
		config.RingTimeout = DefaultRingTimeout
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = defaultOpTimeout
	}
	if metrics == nil {
		metrics = NewMetricsService(nil)
	}
	return &CallController{
		self:      self,
		transport: transport,
		media:     media,
		contacts:  contacts,
		screen:    screen,
		metrics:   metrics,
		logger:    logger.With("user_id", self),
		config:    config,
		now:       time.Now,
		sessions:  make(map[domain.CallID]*CallSession),
		// a redelivered ringing record older than this has rung out anyway
		seen: cache.New[domain.CallID, struct{}](2 * config.RingTimeout),
	}
}

func (c *CallController) Self() domain.UserID {
	return c.self
}

// Start begins watching for calls addressed to this user.
func (c *CallController) Start(ctx context.Context) error {
	unsub, err := c.transport.SubscribeIncoming(ctx, c.self, c.onIncoming)
	if err != nil {
		return transportError(err)
	}

	c.mu.Lock()
	c.unsubIncoming = unsub
	c.mu.Unlock()

	c.logger.Infow("call controller started")
	return nil
}

// Stop stops watching for calls and releases every session.
func (c *CallController) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	unsub := c.unsubIncoming
	sessions := make([]*CallSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, s := range sessions {
		s.shutdown(ctx)
	}
	c.seen.Stop()
	c.logger.Infow("call controller stopped")
}

// PlaceCall starts an outgoing call. On failure nothing is left behind and
// the call never reaches Ringing.
func (c *CallController) PlaceCall(ctx context.Context, receiver domain.UserID, callType domain.CallType) (domain.CallID, error) {
	if !callType.Valid() {
		return "", fmt.Errorf("%w: unknown call type %q", domain.ErrInvalidCall, callType)
	}
	if receiver == "" || receiver == c.self {
		return "", fmt.Errorf("%w: invalid receiver %q", domain.ErrInvalidCall, receiver)
	}
	return newCallSession(c, roleCaller).place(ctx, receiver, callType)
}

func (c *CallController) Answer(ctx context.Context, id domain.CallID) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return s.answer(ctx)
}

func (c *CallController) Decline(ctx context.Context, id domain.CallID) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return s.decline(ctx)
}

// EndCall hangs up. Ending a call that already finished is a no-op.
func (c *CallController) EndCall(ctx context.Context, id domain.CallID) error {
	s, err := c.session(id)
	if err != nil {
		return nil
	}
	return s.end(ctx)
}

func (c *CallController) ToggleMic(id domain.CallID, enabled bool) {
	if s, err := c.session(id); err == nil {
		s.toggleMic(enabled)
	}
}

func (c *CallController) ToggleVideo(id domain.CallID, enabled bool) {
	if s, err := c.session(id); err == nil {
		s.toggleVideo(enabled)
	}
}

func (c *CallController) View(id domain.CallID) (ports.CallView, bool) {
	s, err := c.session(id)
	if err != nil {
		return ports.CallView{}, false
	}
	return s.View(), true
}

// ActiveCalls lists the calls that have not reached a terminal state.
func (c *CallController) ActiveCalls() []ports.CallView {
	c.mu.RLock()
	sessions := make([]*CallSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	views := make([]ports.CallView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.View())
	}
	return views
}

func (c *CallController) onIncoming(rec *domain.CallRecord) {
	if rec.ReceiverID != c.self || rec.Status != domain.CallStatusRinging {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	// incoming delivery is at-least-once
	if _, dup := c.seen.Get(rec.ID); dup {
		c.mu.Unlock()
		return
	}
	c.seen.Set(rec.ID, struct{}{})
	s := newCallSession(c, roleReceiver)
	s.id = rec.ID
	c.sessions[rec.ID] = s
	c.mu.Unlock()

	ctx, cancel := c.opContext()
	defer cancel()
	s.ring(ctx, rec)
}

func (c *CallController) session(id domain.CallID) (*CallSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: no active call %s", domain.ErrInvalidState, id)
	}
	return s, nil
}

func (c *CallController) register(s *CallSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.id] = s
}

func (c *CallController) unregister(s *CallSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
}

func (c *CallController) lookupContact(ctx context.Context, user domain.UserID) domain.Contact {
	if c.contacts == nil {
		return domain.Contact{UserID: user, DisplayName: string(user)}
	}
	contact, err := c.contacts.Lookup(ctx, user)
	if err != nil {
		c.logger.Debugw("contact lookup failed",
			"contact_id", user,
			"error", err,
		)
		return domain.Contact{UserID: user, DisplayName: string(user)}
	}
	return contact
}

func (c *CallController) render(view ports.CallView) {
	if c.screen != nil {
		c.screen.Render(view)
	}
}

func (c *CallController) failed(id domain.CallID, err error) {
	if c.screen != nil {
		c.screen.Failed(id, err)
	}
}

func (c *CallController) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.config.OpTimeout)
}

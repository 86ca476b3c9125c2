package services

import (
	"context"
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"go.uber.org/zap"
)

type ResponderMode string

const (
	ResponderAnswer  ResponderMode = "answer"
	ResponderDecline ResponderMode = "decline"
	ResponderIgnore  ResponderMode = "ignore"
)

type AutoResponderConfig struct {
	Mode        ResponderMode
	AnswerDelay time.Duration
	// HangupAfter ends a connected call after this long. Zero keeps it open
	// until the peer hangs up.
	HangupAfter time.Duration
	OpTimeout   time.Duration
}

// AutoResponder is a CallScreen for headless endpoints. It answers or
// declines every incoming call after a delay and can hang up connected calls
// on its own.
type AutoResponder struct {
	config AutoResponderConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	ctrl    *CallController
	timers  map[domain.CallID]*time.Timer
	hangups map[domain.CallID]struct{}
	stopped bool
}

func NewAutoResponder(config AutoResponderConfig, logger *zap.SugaredLogger) *AutoResponder {
	if config.OpTimeout <= 0 {
		config.OpTimeout = defaultOpTimeout
	}
	return &AutoResponder{
		config:  config,
		logger:  logger,
		timers:  make(map[domain.CallID]*time.Timer),
		hangups: make(map[domain.CallID]struct{}),
	}
}

var _ ports.CallScreen = (*AutoResponder)(nil)

// Attach sets the controller the responder acts on. It must be called before
// the controller is started.
func (r *AutoResponder) Attach(ctrl *CallController) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctrl = ctrl
}

// Stop cancels every pending action.
func (r *AutoResponder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *AutoResponder) ShowIncoming(view ports.CallView) {
	r.logger.Infow("incoming call",
		"call_id", view.CallID,
		"from", view.Contact.UserID,
		"type", view.Type,
		"mode", r.config.Mode,
	)

	switch r.config.Mode {
	case ResponderAnswer:
		r.schedule(view.CallID, r.config.AnswerDelay, "answer", func(ctx context.Context, c *CallController) error {
			return c.Answer(ctx, view.CallID)
		})
	case ResponderDecline:
		r.schedule(view.CallID, r.config.AnswerDelay, "decline", func(ctx context.Context, c *CallController) error {
			return c.Decline(ctx, view.CallID)
		})
	}
}

func (r *AutoResponder) Render(view ports.CallView) {
	switch {
	case view.State == domain.CallStateConnected:
		if r.config.HangupAfter > 0 && r.markHangup(view.CallID) {
			r.logger.Infow("call connected", "call_id", view.CallID, "hangup_after", r.config.HangupAfter)
			r.schedule(view.CallID, r.config.HangupAfter, "hangup", func(ctx context.Context, c *CallController) error {
				return c.EndCall(ctx, view.CallID)
			})
		}
	case view.State.IsTerminal():
		r.cancel(view.CallID)
		r.logger.Infow("call finished",
			"call_id", view.CallID,
			"state", view.State,
			"reason", view.Reason,
			"elapsed", view.Elapsed,
		)
	}
}

func (r *AutoResponder) Failed(callID domain.CallID, err error) {
	r.cancel(callID)
	r.logger.Warnw("call failed", "call_id", callID, "error", err)
}

// schedule runs action on its own goroutine; screen methods must not call
// back into the controller synchronously.
func (r *AutoResponder) schedule(id domain.CallID, after time.Duration, name string, action func(context.Context, *CallController) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.ctrl == nil {
		return
	}
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}

	ctrl := r.ctrl
	var timer *time.Timer
	timer = time.AfterFunc(after, func() {
		r.mu.Lock()
		if r.timers[id] == timer {
			delete(r.timers, id)
		}
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), r.config.OpTimeout)
		defer cancel()
		if err := action(ctx, ctrl); err != nil {
			r.logger.Infow("auto action failed", "action", name, "call_id", id, "error", err)
		}
	})
	r.timers[id] = timer
}

// markHangup reports whether a hangup still has to be scheduled for id.
func (r *AutoResponder) markHangup(id domain.CallID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hangups[id]; ok {
		return false
	}
	r.hangups[id] = struct{}{}
	return true
}

func (r *AutoResponder) cancel(id domain.CallID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	delete(r.hangups, id)
}

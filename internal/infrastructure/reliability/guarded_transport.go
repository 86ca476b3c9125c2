package reliability

import (
	"context"
	"errors"
	"fmt"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedTransport puts a circuit breaker in front of a remote signaling
// transport so that a dead backend fails calls fast instead of letting every
// operation wait out its deadline. Only infrastructure errors count against
// the breaker; conflicts and missing records are ordinary answers. Nothing is
// retried here: a failed operation goes back to the call session as is.
type GuardedTransport struct {
	next    ports.SignalingTransport
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewGuardedTransport(
	next ports.SignalingTransport,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *GuardedTransport {
	cbConfig.IsFailure = isTransportFailure

	g := &GuardedTransport{
		next:    next,
		breaker: circuitbreaker.New(cbConfig),
		logger:  logger,
	}
	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			logger.Warnw("signaling transport circuit opened", "from", from.String())
			return
		}
		logger.Infow("signaling transport circuit state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return g
}

func isTransportFailure(err error) bool {
	return errors.Is(err, domain.ErrTransport)
}

// rejected reports a breaker rejection as a transport error, which callers
// already treat as a signaling failure.
func rejected(err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	return err
}

func (g *GuardedTransport) guard(ctx context.Context, fn func() error) error {
	return rejected(g.breaker.Execute(ctx, fn))
}

func guardValue[T any](ctx context.Context, g *GuardedTransport, fn func() (T, error)) (T, error) {
	out, err := circuitbreaker.Do(ctx, g.breaker, fn)
	return out, rejected(err)
}

func (g *GuardedTransport) CreateCall(ctx context.Context, rec *domain.CallRecord) (domain.CallID, error) {
	return guardValue(ctx, g, func() (domain.CallID, error) {
		return g.next.CreateCall(ctx, rec)
	})
}

func (g *GuardedTransport) GetCall(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	return guardValue(ctx, g, func() (*domain.CallRecord, error) {
		return g.next.GetCall(ctx, id)
	})
}

func (g *GuardedTransport) UpdateCall(ctx context.Context, id domain.CallID, update domain.CallUpdate) (*domain.CallRecord, error) {
	return guardValue(ctx, g, func() (*domain.CallRecord, error) {
		return g.next.UpdateCall(ctx, id, update)
	})
}

func (g *GuardedTransport) DeleteCall(ctx context.Context, id domain.CallID) error {
	return g.guard(ctx, func() error {
		return g.next.DeleteCall(ctx, id)
	})
}

func (g *GuardedTransport) SubscribeCall(ctx context.Context, id domain.CallID, onChange func(*domain.CallRecord)) (ports.Unsubscribe, error) {
	return guardValue(ctx, g, func() (ports.Unsubscribe, error) {
		return g.next.SubscribeCall(ctx, id, onChange)
	})
}

func (g *GuardedTransport) AppendCandidate(ctx context.Context, id domain.CallID, msg domain.IceCandidateMessage) error {
	return g.guard(ctx, func() error {
		return g.next.AppendCandidate(ctx, id, msg)
	})
}

func (g *GuardedTransport) SubscribeCandidates(ctx context.Context, id domain.CallID, onAdded func(domain.IceCandidateMessage)) (ports.Unsubscribe, error) {
	return guardValue(ctx, g, func() (ports.Unsubscribe, error) {
		return g.next.SubscribeCandidates(ctx, id, onAdded)
	})
}

func (g *GuardedTransport) SubscribeIncoming(ctx context.Context, user domain.UserID, onRing func(*domain.CallRecord)) (ports.Unsubscribe, error) {
	return guardValue(ctx, g, func() (ports.Unsubscribe, error) {
		return g.next.SubscribeIncoming(ctx, user, onRing)
	})
}

func (g *GuardedTransport) ListCalls(ctx context.Context, user domain.UserID, limit int) ([]*domain.CallRecord, error) {
	return guardValue(ctx, g, func() ([]*domain.CallRecord, error) {
		return g.next.ListCalls(ctx, user, limit)
	})
}

// HealthCheck bypasses the breaker so readiness checks can see the backend recover.
func (g *GuardedTransport) HealthCheck(ctx context.Context) error {
	return g.next.HealthCheck(ctx)
}

func (g *GuardedTransport) Close() error {
	return g.next.Close()
}

func (g *GuardedTransport) BreakerStats() circuitbreaker.Stats {
	return g.breaker.GetStats()
}

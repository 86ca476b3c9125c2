package repositories

import (
	"context"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracedTransport records a span around every signaling transport call.
// Subscription callbacks run outside of any span.
type TracedTransport struct {
	next ports.SignalingTransport
}

func NewTracedTransport(next ports.SignalingTransport) *TracedTransport {
	return &TracedTransport{next: next}
}

func (t *TracedTransport) CreateCall(ctx context.Context, rec *domain.CallRecord) (domain.CallID, error) {
	ctx, span := tracing.TraceSignaling(ctx, "create_call", string(rec.ID))
	defer span.End()
	span.SetAttributes(
		tracing.CallTypeKey.String(string(rec.Type)),
		attribute.String("call.caller", string(rec.CallerID)),
		attribute.String("call.receiver", string(rec.ReceiverID)),
	)

	id, err := t.next.CreateCall(ctx, rec)
	tracing.RecordError(span, err)
	return id, err
}

func (t *TracedTransport) GetCall(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	ctx, span := tracing.TraceSignaling(ctx, "get_call", string(id))
	defer span.End()

	rec, err := t.next.GetCall(ctx, id)
	tracing.RecordError(span, err)
	if rec != nil {
		span.SetAttributes(tracing.CallStatusKey.String(string(rec.Status)))
	}
	return rec, err
}

func (t *TracedTransport) UpdateCall(ctx context.Context, id domain.CallID, update domain.CallUpdate) (*domain.CallRecord, error) {
	ctx, span := tracing.TraceSignaling(ctx, "update_call", string(id))
	defer span.End()
	if update.Status != "" {
		span.SetAttributes(tracing.CallStatusKey.String(string(update.Status)))
	}

	rec, err := t.next.UpdateCall(ctx, id, update)
	tracing.RecordError(span, err)
	return rec, err
}

func (t *TracedTransport) DeleteCall(ctx context.Context, id domain.CallID) error {
	ctx, span := tracing.TraceSignaling(ctx, "delete_call", string(id))
	defer span.End()

	err := t.next.DeleteCall(ctx, id)
	tracing.RecordError(span, err)
	return err
}

func (t *TracedTransport) SubscribeCall(ctx context.Context, id domain.CallID, onChange func(*domain.CallRecord)) (ports.Unsubscribe, error) {
	ctx, span := tracing.TraceSignaling(ctx, "subscribe_call", string(id))
	defer span.End()

	unsub, err := t.next.SubscribeCall(detach(ctx), id, onChange)
	tracing.RecordError(span, err)
	return unsub, err
}

func (t *TracedTransport) AppendCandidate(ctx context.Context, id domain.CallID, msg domain.IceCandidateMessage) error {
	ctx, span := tracing.TraceSignaling(ctx, "append_candidate", string(id))
	defer span.End()
	span.SetAttributes(attribute.String("candidate.from", string(msg.From)))

	err := t.next.AppendCandidate(ctx, id, msg)
	tracing.RecordError(span, err)
	return err
}

func (t *TracedTransport) SubscribeCandidates(ctx context.Context, id domain.CallID, onAdded func(domain.IceCandidateMessage)) (ports.Unsubscribe, error) {
	ctx, span := tracing.TraceSignaling(ctx, "subscribe_candidates", string(id))
	defer span.End()

	unsub, err := t.next.SubscribeCandidates(detach(ctx), id, onAdded)
	tracing.RecordError(span, err)
	return unsub, err
}

func (t *TracedTransport) SubscribeIncoming(ctx context.Context, user domain.UserID, onRing func(*domain.CallRecord)) (ports.Unsubscribe, error) {
	ctx, span := tracing.StartSpan(ctx, "signaling.subscribe_incoming",
		trace.WithAttributes(tracing.UserIDKey.String(string(user))))
	defer span.End()

	unsub, err := t.next.SubscribeIncoming(detach(ctx), user, onRing)
	tracing.RecordError(span, err)
	return unsub, err
}

func (t *TracedTransport) ListCalls(ctx context.Context, user domain.UserID, limit int) ([]*domain.CallRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "signaling.list_calls",
		trace.WithAttributes(
			tracing.UserIDKey.String(string(user)),
			attribute.Int("limit", limit),
		))
	defer span.End()

	recs, err := t.next.ListCalls(ctx, user, limit)
	tracing.RecordError(span, err)
	span.SetAttributes(attribute.Int("result.count", len(recs)))
	return recs, err
}

func (t *TracedTransport) HealthCheck(ctx context.Context) error {
	return t.next.HealthCheck(ctx)
}

func (t *TracedTransport) Close() error {
	return t.next.Close()
}

// detach keeps the span context for the subscription setup but drops the
// span so long-lived follow loops do not parent every later read.
func detach(ctx context.Context) context.Context {
	return trace.ContextWithSpanContext(ctx, trace.SpanContext{})
}

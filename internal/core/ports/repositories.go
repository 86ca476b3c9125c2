package ports

import (
	"context"

	"chatcall/internal/core/domain"
)

// Unsubscribe cancels a live subscription. It is safe to call more than once.
type Unsubscribe func()

// SignalingTransport persists call records and candidate logs and publishes their
// changes to subscribers. Subscription callbacks never run on the goroutine that
// performed the write, and every change is delivered at least once.
type SignalingTransport interface {
	CreateCall(ctx context.Context, rec *domain.CallRecord) (domain.CallID, error)
	GetCall(ctx context.Context, id domain.CallID) (*domain.CallRecord, error)
	UpdateCall(ctx context.Context, id domain.CallID, update domain.CallUpdate) (*domain.CallRecord, error)
	DeleteCall(ctx context.Context, id domain.CallID) error
	SubscribeCall(ctx context.Context, id domain.CallID, onChange func(*domain.CallRecord)) (Unsubscribe, error)

	AppendCandidate(ctx context.Context, id domain.CallID, msg domain.IceCandidateMessage) error
	SubscribeCandidates(ctx context.Context, id domain.CallID, onAdded func(domain.IceCandidateMessage)) (Unsubscribe, error)

	SubscribeIncoming(ctx context.Context, user domain.UserID, onRing func(*domain.CallRecord)) (Unsubscribe, error)
	ListCalls(ctx context.Context, user domain.UserID, limit int) ([]*domain.CallRecord, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

type ContactDirectory interface {
	Lookup(ctx context.Context, user domain.UserID) (domain.Contact, error)
}

// ContactStore is a ContactDirectory that users can publish their own profile to.
type ContactStore interface {
	ContactDirectory
	Put(ctx context.Context, c domain.Contact) error
}

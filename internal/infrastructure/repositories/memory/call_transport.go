package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/internal/infrastructure/repositories/queue"
)

var errClosed = errors.New("transport closed")

type MemoryCallTransport struct {
	mu         sync.RWMutex
	calls      map[domain.CallID]*domain.CallRecord
	candidates map[domain.CallID][]domain.IceCandidateMessage
	seq        map[domain.CallID]uint64

	nextSubID    uint64
	callSubs     map[domain.CallID]map[uint64]*queue.Subscriber[*domain.CallRecord]
	candSubs     map[domain.CallID]map[uint64]*queue.Subscriber[domain.IceCandidateMessage]
	incomingSubs map[domain.UserID]map[uint64]*queue.Subscriber[*domain.CallRecord]
	closed       bool
}

func NewMemoryCallTransport() *MemoryCallTransport {
	return &MemoryCallTransport{
		calls:        make(map[domain.CallID]*domain.CallRecord),
		candidates:   make(map[domain.CallID][]domain.IceCandidateMessage),
		seq:          make(map[domain.CallID]uint64),
		callSubs:     make(map[domain.CallID]map[uint64]*queue.Subscriber[*domain.CallRecord]),
		candSubs:     make(map[domain.CallID]map[uint64]*queue.Subscriber[domain.IceCandidateMessage]),
		incomingSubs: make(map[domain.UserID]map[uint64]*queue.Subscriber[*domain.CallRecord]),
	}
}

var _ ports.SignalingTransport = (*MemoryCallTransport)(nil)

func (t *MemoryCallTransport) CreateCall(ctx context.Context, rec *domain.CallRecord) (domain.CallID, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", fmt.Errorf("%w: %v", domain.ErrTransport, errClosed)
	}
	if _, exists := t.calls[rec.ID]; exists {
		return "", fmt.Errorf("%w: %s", domain.ErrCallExists, rec.ID)
	}

	stored := rec.Clone()
	t.calls[rec.ID] = stored
	for _, sub := range t.incomingSubs[stored.ReceiverID] {
		sub.Push(stored.Clone())
	}
	return rec.ID, nil
}

func (t *MemoryCallTransport) GetCall(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, exists := t.calls[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}
	return rec.Clone(), nil
}

func (t *MemoryCallTransport) UpdateCall(ctx context.Context, id domain.CallID, update domain.CallUpdate) (*domain.CallRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, errClosed)
	}
	rec, exists := t.calls[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}

	next := rec.Clone()
	if err := next.Apply(update); err != nil {
		return nil, err
	}
	t.calls[id] = next
	for _, sub := range t.callSubs[id] {
		sub.Push(next.Clone())
	}
	return next.Clone(), nil
}

func (t *MemoryCallTransport) DeleteCall(ctx context.Context, id domain.CallID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.calls[id]; !exists {
		return domain.ErrCallNotFound
	}
	delete(t.calls, id)
	delete(t.candidates, id)
	delete(t.seq, id)
	return nil
}

func (t *MemoryCallTransport) SubscribeCall(ctx context.Context, id domain.CallID, onChange func(*domain.CallRecord)) (ports.Unsubscribe, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, exists := t.calls[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}

	sub := queue.NewSubscriber(onChange)
	subID := t.addSub()
	if t.callSubs[id] == nil {
		t.callSubs[id] = make(map[uint64]*queue.Subscriber[*domain.CallRecord])
	}
	t.callSubs[id][subID] = sub
	sub.Push(rec.Clone())

	return t.unsubscriber(func() {
		delete(t.callSubs[id], subID)
		if len(t.callSubs[id]) == 0 {
			delete(t.callSubs, id)
		}
		sub.Stop()
	}), nil
}

func (t *MemoryCallTransport) AppendCandidate(ctx context.Context, id domain.CallID, msg domain.IceCandidateMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("%w: %v", domain.ErrTransport, errClosed)
	}
	if _, exists := t.calls[id]; !exists {
		return domain.ErrCallNotFound
	}

	t.seq[id]++
	msg.Seq = strconv.FormatUint(t.seq[id], 10)
	t.candidates[id] = append(t.candidates[id], msg)
	for _, sub := range t.candSubs[id] {
		sub.Push(msg)
	}
	return nil
}

func (t *MemoryCallTransport) SubscribeCandidates(ctx context.Context, id domain.CallID, onAdded func(domain.IceCandidateMessage)) (ports.Unsubscribe, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.calls[id]; !exists {
		return nil, domain.ErrCallNotFound
	}

	sub := queue.NewSubscriber(onAdded)
	subID := t.addSub()
	if t.candSubs[id] == nil {
		t.candSubs[id] = make(map[uint64]*queue.Subscriber[domain.IceCandidateMessage])
	}
	t.candSubs[id][subID] = sub
	for _, msg := range t.candidates[id] {
		sub.Push(msg)
	}

	return t.unsubscriber(func() {
		delete(t.candSubs[id], subID)
		if len(t.candSubs[id]) == 0 {
			delete(t.candSubs, id)
		}
		sub.Stop()
	}), nil
}

func (t *MemoryCallTransport) SubscribeIncoming(ctx context.Context, user domain.UserID, onRing func(*domain.CallRecord)) (ports.Unsubscribe, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := queue.NewSubscriber(onRing)
	subID := t.addSub()
	if t.incomingSubs[user] == nil {
		t.incomingSubs[user] = make(map[uint64]*queue.Subscriber[*domain.CallRecord])
	}
	t.incomingSubs[user][subID] = sub

	// calls that are already ringing are announced to late subscribers
	var ringing []*domain.CallRecord
	for _, rec := range t.calls {
		if rec.ReceiverID == user && rec.Status == domain.CallStatusRinging {
			ringing = append(ringing, rec)
		}
	}
	sort.Slice(ringing, func(i, j int) bool {
		return ringing[i].StartedAt.Before(ringing[j].StartedAt)
	})
	for _, rec := range ringing {
		sub.Push(rec.Clone())
	}

	return t.unsubscriber(func() {
		delete(t.incomingSubs[user], subID)
		if len(t.incomingSubs[user]) == 0 {
			delete(t.incomingSubs, user)
		}
		sub.Stop()
	}), nil
}

func (t *MemoryCallTransport) ListCalls(ctx context.Context, user domain.UserID, limit int) ([]*domain.CallRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var calls []*domain.CallRecord
	for _, rec := range t.calls {
		if rec.Participant(user) {
			calls = append(calls, rec.Clone())
		}
	}

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].StartedAt.After(calls[j].StartedAt)
	})
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

func (t *MemoryCallTransport) HealthCheck(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return errClosed
	}
	return nil
}

func (t *MemoryCallTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for _, subs := range t.callSubs {
		for _, sub := range subs {
			sub.Stop()
		}
	}
	for _, subs := range t.candSubs {
		for _, sub := range subs {
			sub.Stop()
		}
	}
	for _, subs := range t.incomingSubs {
		for _, sub := range subs {
			sub.Stop()
		}
	}
	return nil
}

// addSub must be called with mu held.
func (t *MemoryCallTransport) addSub() uint64 {
	t.nextSubID++
	return t.nextSubID
}

func (t *MemoryCallTransport) unsubscriber(remove func()) ports.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			remove()
		})
	}
}

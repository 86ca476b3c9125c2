package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func newCall(t *testing.T, caller, receiver domain.UserID, at time.Time) *domain.CallRecord {
	t.Helper()
	rec, err := domain.NewCallRecord(caller, receiver, domain.CallTypeVoice, domain.NewSessionPayload(domain.SDPTypeOffer, testSDP), at)
	require.NoError(t, err)
	return rec
}

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func candidate(n string) domain.CandidatePayload {
	return domain.CandidatePayload{
		Version:   domain.PayloadVersion,
		Candidate: "candidate:" + n + " 1 udp 2130706431 10.0.0.1 5000 typ host",
	}
}

func TestMemoryCallTransport_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryCallTransport()
	rec := newCall(t, "alice", "bob", time.Now())

	id, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id)

	_, err = tr.CreateCall(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrCallExists)

	got, err := tr.GetCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, got.Status)

	_, err = tr.GetCall(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestMemoryCallTransport_UpdateIsConditional(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryCallTransport()
	rec := newCall(t, "alice", "bob", time.Now())
	_, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)

	now := time.Now()
	_, err = tr.UpdateCall(ctx, rec.ID, domain.CallUpdate{
		ExpectedStatus: []domain.CallStatus{domain.CallStatusRinging},
		Status:         domain.CallStatusEnded,
		EndedAt:        &now,
	})
	require.NoError(t, err)

	answer := domain.NewSessionPayload(domain.SDPTypeAnswer, testSDP)
	_, err = tr.UpdateCall(ctx, rec.ID, domain.CallUpdate{
		ExpectedStatus: []domain.CallStatus{domain.CallStatusRinging},
		Status:         domain.CallStatusConnected,
		Answer:         &answer,
		ConnectedAt:    &now,
	})
	assert.ErrorIs(t, err, domain.ErrStatusConflict)

	got, err := tr.GetCall(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, got.Status)
	assert.Nil(t, got.Answer)
}

func TestMemoryCallTransport_StoredRecordIsIsolated(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryCallTransport()
	rec := newCall(t, "alice", "bob", time.Now())
	_, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)

	rec.Offer.SDP = "mutated"
	got, err := tr.GetCall(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, testSDP, got.Offer.SDP)
}

func TestMemoryCallTransport_SubscribeCallDeliversCurrentAndChanges(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryCallTransport()
	rec := newCall(t, "alice", "bob", time.Now())
	_, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)

	var seen recorder[domain.CallStatus]
	unsub, err := tr.SubscribeCall(ctx, rec.ID, func(r *domain.CallRecord) { seen.add(r.Status) })
	require.NoError(t, err)
	defer unsub()

	answer := domain.NewSessionPayload(domain.SDPTypeAnswer, testSDP)
	now := time.Now()
	_, err = tr.UpdateCall(ctx, rec.ID, domain.CallUpdate{Status: domain.CallStatusConnected, Answer: &answer, ConnectedAt: &now})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(seen.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.CallStatus{domain.CallStatusRinging, domain.CallStatusConnected}, seen.snapshot())
}

func TestMemoryCallTransport_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryCallTransport()
	rec := newCall(t, "alice", "bob", time.Now())
	_, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)

	var seen recorder[*domain.CallRecord]
	unsub, err := tr.SubscribeCall(ctx, rec.ID, seen.add)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(seen.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()

	now := time.Now()
	_, err = tr.UpdateCall(ctx, rec.ID, domain.CallUpdate{Status: domain.CallStatusMissed, EndedAt: &now})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, seen.snapshot(), 1)
}

func TestMemoryCallTransport_CandidatesReplayAndSequence(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryCallTransport()
	rec := newCall(t, "alice", "bob", time.Now())

	err := tr.AppendCandidate(ctx, rec.ID, domain.IceCandidateMessage{Candidate: candidate("1"), From: "alice"})
	assert.ErrorIs(t, err, domain.ErrCallNotFound)

	_, err = tr.CreateCall(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, tr.AppendCandidate(ctx, rec.ID, domain.IceCandidateMessage{Candidate: candidate("1"), From: "alice"}))

	var seen recorder[domain.IceCandidateMessage]
	unsub, err := tr.SubscribeCandidates(ctx, rec.ID, seen.add)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, tr.AppendCandidate(ctx, rec.ID, domain.IceCandidateMessage{Candidate: candidate("2"), From: "bob"}))

	assert.Eventually(t, func() bool { return len(seen.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := seen.snapshot()
	assert.Equal(t, "1", msgs[0].Seq)
	assert.Equal(t, domain.UserID("alice"), msgs[0].From)
	assert.Equal(t, "2", msgs[1].Seq)
	assert.Equal(t, domain.UserID("bob"), msgs[1].From)
}

func TestMemoryCallTransport_SubscribeIncoming(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryCallTransport()

	var rings recorder[*domain.CallRecord]
	unsub, err := tr.SubscribeIncoming(ctx, "bob", rings.add)
	require.NoError(t, err)
	defer unsub()

	_, err = tr.CreateCall(ctx, newCall(t, "alice", "bob", time.Now()))
	require.NoError(t, err)
	_, err = tr.CreateCall(ctx, newCall(t, "alice", "carol", time.Now()))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(rings.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.UserID("bob"), rings.snapshot()[0].ReceiverID)
}

func TestMemoryCallTransport_SubscribeIncomingCatchesUp(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryCallTransport()

	ringing := newCall(t, "alice", "bob", time.Now())
	_, err := tr.CreateCall(ctx, ringing)
	require.NoError(t, err)
	ended := newCall(t, "carol", "bob", time.Now().Add(time.Second))
	_, err = tr.CreateCall(ctx, ended)
	require.NoError(t, err)
	now := time.Now()
	_, err = tr.UpdateCall(ctx, ended.ID, domain.CallUpdate{Status: domain.CallStatusEnded, EndedAt: &now})
	require.NoError(t, err)

	var rings recorder[*domain.CallRecord]
	unsub, err := tr.SubscribeIncoming(ctx, "bob", rings.add)
	require.NoError(t, err)
	defer unsub()

	assert.Eventually(t, func() bool { return len(rings.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ringing.ID, rings.snapshot()[0].ID)
}

func TestMemoryCallTransport_ListCallsNewestFirst(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryCallTransport()
	base := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		_, err := tr.CreateCall(ctx, newCall(t, "alice", "bob", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	_, err := tr.CreateCall(ctx, newCall(t, "carol", "dave", base))
	require.NoError(t, err)

	calls, err := tr.ListCalls(ctx, "bob", 2)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, base.Add(2*time.Minute), calls[0].StartedAt)
	assert.Equal(t, base.Add(time.Minute), calls[1].StartedAt)
}

func TestMemoryCallTransport_Close(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryCallTransport()
	require.NoError(t, tr.Close())

	_, err := tr.CreateCall(ctx, newCall(t, "alice", "bob", time.Now()))
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Error(t, tr.HealthCheck(ctx))
}

package services

import (
	"context"
	"testing"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func storeCall(t *testing.T, tr *memory.MemoryCallTransport, caller, receiver domain.UserID, at time.Time, updates ...domain.CallUpdate) domain.CallID {
	t.Helper()
	ctx := context.Background()
	rec, err := domain.NewCallRecord(caller, receiver, domain.CallTypeVoice, domain.NewSessionPayload(domain.SDPTypeOffer, testSDP), at)
	require.NoError(t, err)
	_, err = tr.CreateCall(ctx, rec)
	require.NoError(t, err)
	for _, u := range updates {
		_, err = tr.UpdateCall(ctx, rec.ID, u)
		require.NoError(t, err)
	}
	return rec.ID
}

func TestHistoryService_List(t *testing.T) {
	ctx := context.Background()
	tr := memory.NewMemoryCallTransport()
	contacts := memory.NewMemoryContactDirectory(domain.Contact{UserID: "bob", DisplayName: "Bob"})
	history := NewHistoryService(tr, contacts, zap.NewNop().Sugar())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	answer := domain.NewSessionPayload(domain.SDPTypeAnswer, testSDP)
	connectedAt := base.Add(3 * time.Second)
	endedAt := connectedAt.Add(90 * time.Second)

	completed := storeCall(t, tr, "alice", "bob", base,
		domain.CallUpdate{Status: domain.CallStatusConnected, Answer: &answer, ConnectedAt: &connectedAt},
		domain.CallUpdate{Status: domain.CallStatusEnded, EndedAt: &endedAt, EndedBy: "bob"},
	)
	declinedAt := base.Add(time.Hour)
	declined := storeCall(t, tr, "carol", "alice", base.Add(time.Hour),
		domain.CallUpdate{Status: domain.CallStatusRejected, EndedAt: &declinedAt},
	)
	cancelledAt := base.Add(2 * time.Hour)
	cancelled := storeCall(t, tr, "alice", "bob", base.Add(2*time.Hour),
		domain.CallUpdate{Status: domain.CallStatusEnded, EndedAt: &cancelledAt, EndedBy: "alice"},
	)
	ringing := storeCall(t, tr, "bob", "alice", base.Add(3*time.Hour))
	storeCall(t, tr, "bob", "carol", base.Add(4*time.Hour))

	entries, err := history.List(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, ringing, entries[0].CallID)
	assert.Equal(t, domain.CallOutcomeInProgress, entries[0].Outcome)
	assert.Equal(t, domain.CallDirectionIncoming, entries[0].Direction)

	assert.Equal(t, cancelled, entries[1].CallID)
	assert.Equal(t, domain.CallOutcomeCancelled, entries[1].Outcome)

	assert.Equal(t, declined, entries[2].CallID)
	assert.Equal(t, domain.CallOutcomeDeclined, entries[2].Outcome)
	assert.Equal(t, "carol", entries[2].Peer.DisplayName)

	assert.Equal(t, completed, entries[3].CallID)
	assert.Equal(t, domain.CallOutcomeCompleted, entries[3].Outcome)
	assert.Equal(t, domain.CallDirectionOutgoing, entries[3].Direction)
	assert.Equal(t, "Bob", entries[3].Peer.DisplayName)
	assert.Equal(t, 90*time.Second, entries[3].Duration)

	// the receiver of the cancelled call sees it as missed
	bobEntries, err := history.List(ctx, "bob", 3)
	require.NoError(t, err)
	require.Len(t, bobEntries, 3)
	assert.Equal(t, cancelled, bobEntries[2].CallID)
	assert.Equal(t, domain.CallOutcomeMissed, bobEntries[2].Outcome)
}

func TestHistoryService_ListRejectsEmptyUser(t *testing.T) {
	history := NewHistoryService(memory.NewMemoryCallTransport(), nil, zap.NewNop().Sugar())
	_, err := history.List(context.Background(), "", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidCall)
}

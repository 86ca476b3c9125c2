package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/infrastructure/distributed"
	"chatcall/pkg/retry"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func newTestTransport(t *testing.T) (*RedisCallTransport, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop().Sugar()

	opts := DefaultTransportOptions()
	opts.BlockTimeout = 20 * time.Millisecond
	tr := NewRedisCallTransport(client, distributed.NewEventBus(client, "test", logger), opts, logger)
	t.Cleanup(func() { tr.Close() })
	return tr, mr
}

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

func TestRedisCallTransport_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	tr, mr := newTestTransport(t)
	rec := newCall(t, "alice", "bob", time.Now())

	id, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id)
	assert.True(t, mr.Exists(callKey(id)))
	assert.Greater(t, mr.TTL(callKey(id)), time.Duration(0))

	_, err = tr.CreateCall(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrCallExists)

	got, err := tr.GetCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, got.Status)
	assert.Equal(t, rec.Offer.SDP, got.Offer.SDP)

	_, err = tr.GetCall(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestRedisCallTransport_UpdateIsConditional(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	rec := newCall(t, "alice", "bob", time.Now())
	_, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)

	answer := domain.NewSessionPayload(domain.SDPTypeAnswer, testSDP)
	now := time.Now()
	updated, err := tr.UpdateCall(ctx, rec.ID, domain.CallUpdate{
		ExpectedStatus: []domain.CallStatus{domain.CallStatusRinging},
		Status:         domain.CallStatusConnected,
		Answer:         &answer,
		ConnectedAt:    &now,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, updated.Status)

	_, err = tr.UpdateCall(ctx, rec.ID, domain.CallUpdate{
		ExpectedStatus: []domain.CallStatus{domain.CallStatusRinging},
		Status:         domain.CallStatusMissed,
		EndedAt:        &now,
	})
	assert.ErrorIs(t, err, domain.ErrStatusConflict)

	_, err = tr.UpdateCall(ctx, rec.ID, domain.CallUpdate{Answer: &answer, Status: domain.CallStatusConnected})
	assert.ErrorIs(t, err, domain.ErrFieldAlreadySet)

	_, err = tr.UpdateCall(ctx, "missing", domain.CallUpdate{Status: domain.CallStatusEnded, EndedAt: &now})
	assert.ErrorIs(t, err, domain.ErrCallNotFound)

	stored, err := tr.GetCall(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, stored.Status)
}

func TestRedisCallTransport_SubscribeCallDeliversCurrentAndChanges(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	rec := newCall(t, "alice", "bob", time.Now())
	_, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)

	var seen recorder[*domain.CallRecord]
	unsub, err := tr.SubscribeCall(ctx, rec.ID, seen.add)
	require.NoError(t, err)
	defer unsub()

	now := time.Now()
	_, err = tr.UpdateCall(ctx, rec.ID, domain.CallUpdate{Status: domain.CallStatusEnded, EndedAt: &now, EndedBy: "alice"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(seen.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	records := seen.snapshot()
	assert.Equal(t, domain.CallStatusRinging, records[0].Status)
	assert.Equal(t, domain.CallStatusEnded, records[1].Status)
	assert.Equal(t, domain.UserID("alice"), records[1].EndedBy)
}

func TestRedisCallTransport_SubscribeMissingCall(t *testing.T) {
	tr, _ := newTestTransport(t)
	_, err := tr.SubscribeCall(context.Background(), "missing", func(*domain.CallRecord) {})
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
	_, err = tr.SubscribeCandidates(context.Background(), "missing", func(domain.IceCandidateMessage) {})
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestRedisCallTransport_CandidatesReplayAndFollow(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	rec := newCall(t, "alice", "bob", time.Now())
	_, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, tr.AppendCandidate(ctx, rec.ID, domain.IceCandidateMessage{Candidate: candidate("1"), From: "alice"}))

	var got recorder[domain.IceCandidateMessage]
	unsub, err := tr.SubscribeCandidates(ctx, rec.ID, got.add)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, tr.AppendCandidate(ctx, rec.ID, domain.IceCandidateMessage{Candidate: candidate("2"), From: "bob"}))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	msgs := got.snapshot()
	assert.Equal(t, candidate("1"), msgs[0].Candidate)
	assert.Equal(t, domain.UserID("alice"), msgs[0].From)
	assert.Equal(t, candidate("2"), msgs[1].Candidate)
	assert.NotEmpty(t, msgs[0].Seq)
	assert.NotEqual(t, msgs[0].Seq, msgs[1].Seq)

	assert.ErrorIs(t, tr.AppendCandidate(ctx, "missing", domain.IceCandidateMessage{Candidate: candidate("3")}), domain.ErrCallNotFound)
}

func TestRedisCallTransport_SubscribeIncoming(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)

	waiting := newCall(t, "carol", "bob", time.Now().Add(-time.Second))
	_, err := tr.CreateCall(ctx, waiting)
	require.NoError(t, err)

	var rings recorder[*domain.CallRecord]
	unsub, err := tr.SubscribeIncoming(ctx, "bob", rings.add)
	require.NoError(t, err)
	defer unsub()

	fresh := newCall(t, "alice", "bob", time.Now())
	_, err = tr.CreateCall(ctx, fresh)
	require.NoError(t, err)
	_, err = tr.CreateCall(ctx, newCall(t, "alice", "dave", time.Now()))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rings.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, waiting.ID, rings.snapshot()[0].ID)
	assert.Equal(t, fresh.ID, rings.snapshot()[1].ID)
}

func TestRedisCallTransport_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	tr, mr := newTestTransport(t)
	base := time.Unix(1700000000, 0)

	var ids []domain.CallID
	for i := 0; i < 3; i++ {
		rec := newCall(t, "alice", "bob", base.Add(time.Duration(i)*time.Minute))
		_, err := tr.CreateCall(ctx, rec)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	calls, err := tr.ListCalls(ctx, "bob", 2)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, ids[2], calls[0].ID)
	assert.Equal(t, ids[1], calls[1].ID)

	require.NoError(t, tr.DeleteCall(ctx, ids[2]))
	assert.ErrorIs(t, tr.DeleteCall(ctx, ids[2]), domain.ErrCallNotFound)

	// an expired record drops out of the index on the next read
	mr.Del(callKey(ids[1]))
	calls, err = tr.ListCalls(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, ids[0], calls[0].ID)
	members, err := mr.ZMembers(historyKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{string(ids[0])}, members)
}

func TestRedisCallTransport_Close(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.Close())

	_, err := tr.CreateCall(ctx, newCall(t, "alice", "bob", time.Now()))
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Error(t, tr.HealthCheck(ctx))
	assert.NoError(t, tr.Close())
}

func TestNewestOnly(t *testing.T) {
	var got []domain.CallStatus
	fn := newestOnly(func(rec *domain.CallRecord) { got = append(got, rec.Status) })

	fn(&domain.CallRecord{Status: domain.CallStatusRinging})
	fn(&domain.CallRecord{Status: domain.CallStatusConnected})
	fn(&domain.CallRecord{Status: domain.CallStatusRinging})
	fn(&domain.CallRecord{Status: domain.CallStatusConnected})
	fn(&domain.CallRecord{Status: domain.CallStatusEnded})

	assert.Equal(t, []domain.CallStatus{
		domain.CallStatusRinging,
		domain.CallStatusConnected,
		domain.CallStatusConnected,
		domain.CallStatusEnded,
	}, got)
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := mr.ZAdd(historyKey("alice"), 1, "gone")
	require.NoError(t, err)

	require.NoError(t, Migrate(ctx, client, zap.NewNop().Sugar()))
	version, err := mr.Get(schemaVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "2", version)
	assert.Zero(t, client.ZCard(ctx, historyKey("alice")).Val())

	// a second run is a no-op
	require.NoError(t, Migrate(ctx, client, zap.NewNop().Sugar()))
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond

	client, err := NewRedisClient(context.Background(), ClientOptions{Address: mr.Addr(), PoolSize: 4}, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer client.Close()
	assert.True(t, mr.Exists(schemaVersionKey))

	_, err = NewRedisClient(context.Background(), ClientOptions{Address: "127.0.0.1:1"}, retry.Config{Enabled: false}, nil)
	assert.Error(t, err)
}

func TestRedisContactDirectory(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	dir := NewRedisContactDirectory(client)
	require.NoError(t, dir.Put(ctx, domain.Contact{UserID: "alice", DisplayName: "Alice", AvatarURL: "https://cdn.example/a.png"}))

	got, err := dir.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.Equal(t, "https://cdn.example/a.png", got.AvatarURL)

	unknown, err := dir.Lookup(ctx, "zed")
	require.NoError(t, err)
	assert.Equal(t, "zed", unknown.DisplayName)
}

func TestRedisCallTransport_RacingUpdatesResolveToOneWinner(t *testing.T) {
	ctx := context.Background()
	tr, mr := newTestTransport(t)
	rec := newCall(t, "alice", "bob", time.Now())
	_, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)

	answer := domain.NewSessionPayload(domain.SDPTypeAnswer, testSDP)
	now := time.Now()
	updates := []domain.CallUpdate{
		{ExpectedStatus: []domain.CallStatus{domain.CallStatusRinging}, Status: domain.CallStatusConnected, Answer: &answer, ConnectedAt: &now},
		{ExpectedStatus: []domain.CallStatus{domain.CallStatusRinging}, Status: domain.CallStatusEnded, EndedAt: &now, EndedBy: "alice"},
	}

	errs := make([]error, len(updates))
	var wg sync.WaitGroup
	for i, u := range updates {
		wg.Add(1)
		go func(i int, u domain.CallUpdate) {
			defer wg.Done()
			_, errs[i] = tr.UpdateCall(ctx, rec.ID, u)
		}(i, u)
	}
	wg.Wait()

	// a lost optimistic lock is re-evaluated, so the loser sees the winner's
	// status rather than a transport failure
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrStatusConflict)
		assert.NotErrorIs(t, err, domain.ErrTransport)
	}
	assert.Equal(t, 1, wins)

	// backend errors are returned, not retried into success
	mr.SetError("ERR backend unavailable")
	_, err = tr.UpdateCall(ctx, rec.ID, domain.CallUpdate{Status: domain.CallStatusEnded, EndedAt: &now})
	assert.ErrorIs(t, err, domain.ErrTransport)
	mr.SetError("")
}

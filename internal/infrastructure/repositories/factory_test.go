package repositories

import (
	"context"
	"testing"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/pkg/circuitbreaker"
	"chatcall/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func newRecord(t *testing.T) *domain.CallRecord {
	t.Helper()
	offer := domain.NewSessionPayload(domain.SDPTypeOffer, "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	rec, err := domain.NewCallRecord("alice", "bob", domain.CallTypeVoice, offer, time.Now())
	require.NoError(t, err)
	return rec
}

func TestRepositoryFactory_MemoryFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	f, err := NewRepositoryFactory(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, f.UsingRedis())
	assert.Same(t, f.CallTransport(), f.CallTransport())
	assert.NoError(t, f.HealthCheck(context.Background()))

	contact, err := f.ContactStore().Lookup(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", contact.DisplayName)
}

func TestRepositoryFactory_UnreachableRedisFallsBack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"
	cfg.Redis.Retry.MaxAttempts = 0

	f, err := NewRepositoryFactory(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, f.UsingRedis())
}

func TestRepositoryFactory_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = mr.Addr()

	ctx := context.Background()
	f, err := NewRepositoryFactory(ctx, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.True(t, f.UsingRedis())

	rec := newRecord(t)
	id, err := f.CallTransport().CreateCall(ctx, rec)
	require.NoError(t, err)
	assert.True(t, mr.Exists("chatcall:call:"+string(id)))

	require.NoError(t, f.ContactStore().Put(ctx, domain.Contact{UserID: "bob", DisplayName: "Bob"}))
	contact, err := f.ContactStore().Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", contact.DisplayName)

	require.NoError(t, f.HealthCheck(ctx))
	require.NoError(t, f.Close())
	assert.Error(t, f.HealthCheck(ctx))
}

func TestTracedTransport_RecordsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := config.DefaultConfig()
	f, err := NewRepositoryFactory(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	tr := f.CallTransport()
	defer tr.Close()

	ctx := context.Background()
	rec := newRecord(t)
	id, err := tr.CreateCall(ctx, rec)
	require.NoError(t, err)

	_, err = tr.UpdateCall(ctx, id, domain.CallUpdate{
		ExpectedStatus: []domain.CallStatus{domain.CallStatusConnected},
		Status:         domain.CallStatusEnded,
	})
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "signaling.create_call", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "signaling.update_call", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestCachedContacts(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = mr.Addr()
	cfg.Redis.ContactCacheTTL = time.Minute

	ctx := context.Background()
	f, err := NewRepositoryFactory(ctx, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()

	store := f.ContactStore()
	require.IsType(t, &CachedContacts{}, store)
	require.NoError(t, store.Put(ctx, domain.Contact{UserID: "bob", DisplayName: "Bob"}))

	contact, err := store.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", contact.DisplayName)

	// a write from another instance is not seen until the entry expires
	mr.HSet("chatcall:contact:bob", "display_name", "Robert")
	contact, err = store.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", contact.DisplayName)

	require.NoError(t, store.Put(ctx, domain.Contact{UserID: "bob", DisplayName: "Bobby"}))
	contact, err = store.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bobby", contact.DisplayName)
}

func TestRepositoryFactory_RedisTransportIsGuarded(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = mr.Addr()
	cfg.Redis.Retry.MaxAttempts = 0
	cfg.Redis.Breaker.FailureThreshold = 1

	ctx := context.Background()
	f, err := NewRepositoryFactory(ctx, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()

	tr := f.CallTransport()
	id, err := tr.CreateCall(ctx, newRecord(t))
	require.NoError(t, err)

	mr.SetError("ERR backend unavailable")
	_, err = tr.GetCall(ctx, id)
	require.ErrorIs(t, err, domain.ErrTransport)

	mr.SetError("")
	_, err = tr.GetCall(ctx, id)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

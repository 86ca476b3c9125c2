package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/internal/infrastructure/distributed"
	"chatcall/internal/infrastructure/repositories/queue"
	"chatcall/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	candidateField      = "msg"
	incomingCatchUpSize = 20
)

var errClosed = errors.New("transport closed")

type TransportOptions struct {
	// RecordTTL bounds how long call records and candidate logs are retained.
	RecordTTL time.Duration
	// BlockTimeout is the XREAD BLOCK interval of candidate subscriptions.
	BlockTimeout time.Duration
	// UpdateRetry governs optimistic-lock retries of UpdateCall.
	UpdateRetry retry.Config
}

func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		RecordTTL:    7 * 24 * time.Hour,
		BlockTimeout: time.Second,
		UpdateRetry: retry.Config{
			Enabled:         true,
			MaxAttempts:     5,
			InitialDelay:    5 * time.Millisecond,
			MaxDelay:        100 * time.Millisecond,
			Multiplier:      2.0,
			Jitter:          true,
			RetryableErrors: []error{redis.TxFailedErr},
		},
	}
}

// RedisCallTransport stores call records as JSON documents, announces changes
// over the distributed event bus and keeps candidates in a Redis Stream per
// call.
type RedisCallTransport struct {
	client *redis.Client
	bus    *distributed.EventBus
	opts   TransportOptions
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[uint64]func()
	nextID uint64
	closed bool
}

func NewRedisCallTransport(client *redis.Client, bus *distributed.EventBus, opts TransportOptions, logger *zap.SugaredLogger) *RedisCallTransport {
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = time.Second
	}
	return &RedisCallTransport{
		client: client,
		bus:    bus,
		opts:   opts,
		logger: logger,
		subs:   make(map[uint64]func()),
	}
}

var _ ports.SignalingTransport = (*RedisCallTransport)(nil)

func (t *RedisCallTransport) CreateCall(ctx context.Context, rec *domain.CallRecord) (domain.CallID, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if err := t.checkOpen(); err != nil {
		return "", err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal call: %w", err)
	}

	created, err := t.client.SetNX(ctx, callKey(rec.ID), data, t.opts.RecordTTL).Result()
	if err != nil {
		return "", wrapTransport("create call", err)
	}
	if !created {
		return "", fmt.Errorf("%w: %s", domain.ErrCallExists, rec.ID)
	}

	score := float64(rec.StartedAt.UnixMilli())
	_, err = t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, user := range []domain.UserID{rec.CallerID, rec.ReceiverID} {
			pipe.ZAdd(ctx, historyKey(user), redis.Z{Score: score, Member: string(rec.ID)})
		}
		return nil
	})
	if err == nil {
		err = t.bus.PublishCall(ctx, incomingChannel(rec.ReceiverID), distributed.EventCallCreated, rec)
	}
	if err != nil {
		// roll back so nothing is left ringing unannounced
		t.client.Del(context.Background(), callKey(rec.ID))
		return "", wrapTransport("announce call", err)
	}
	return rec.ID, nil
}

func (t *RedisCallTransport) GetCall(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	data, err := t.client.Get(ctx, callKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	if err != nil {
		return nil, wrapTransport("get call", err)
	}
	return decodeRecord(data)
}

// UpdateCall applies the update inside WATCH/MULTI so that the conditional
// checks of CallRecord.Apply hold against concurrent writers.
func (t *RedisCallTransport) UpdateCall(ctx context.Context, id domain.CallID, update domain.CallUpdate) (*domain.CallRecord, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	key := callKey(id)
	var updated *domain.CallRecord
	var rejected error

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			rejected = fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
			return rejected
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if err := rec.Apply(update); err != nil {
			rejected = err
			return err
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = rec
		}
		return err
	}

	err := retry.Retry(ctx, t.opts.UpdateRetry, func() error {
		rejected = nil
		return t.client.Watch(ctx, txf, key)
	})
	if rejected != nil {
		return nil, rejected
	}
	if err != nil {
		return nil, wrapTransport("update call", err)
	}

	if err := t.bus.PublishCall(ctx, callEventsChannel(id), distributed.EventCallUpdated, updated); err != nil {
		// the write stands; subscribers converge on their next read
		t.logger.Warnw("failed to publish call update",
			"call_id", id,
			"status", updated.Status,
			"error", err,
		)
	}
	return updated.Clone(), nil
}

func (t *RedisCallTransport) DeleteCall(ctx context.Context, id domain.CallID) error {
	rec, err := t.GetCall(ctx, id)
	if err != nil {
		return err
	}
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, callKey(id), candidatesKey(id))
		pipe.ZRem(ctx, historyKey(rec.CallerID), string(id))
		pipe.ZRem(ctx, historyKey(rec.ReceiverID), string(id))
		return nil
	})
	if err != nil {
		return wrapTransport("delete call", err)
	}
	return nil
}

// SubscribeCall delivers the stored record and then every later change.
// Records older than one already delivered are dropped.
func (t *RedisCallTransport) SubscribeCall(ctx context.Context, id domain.CallID, onChange func(*domain.CallRecord)) (ports.Unsubscribe, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	sub := queue.NewSubscriber(newestOnly(onChange))
	cancel, err := t.bus.Subscribe(ctx, callEventsChannel(id), func(e *distributed.Event) error {
		rec, err := distributed.DecodeCall(e)
		if err != nil {
			return err
		}
		sub.Push(rec)
		return nil
	})
	if err != nil {
		sub.Stop()
		return nil, wrapTransport("subscribe call", err)
	}

	rec, err := t.GetCall(ctx, id)
	if err != nil {
		cancel()
		sub.Stop()
		return nil, err
	}
	sub.Push(rec)

	return t.track(func() {
		cancel()
		sub.Stop()
	}), nil
}

func (t *RedisCallTransport) AppendCandidate(ctx context.Context, id domain.CallID, msg domain.IceCandidateMessage) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	exists, err := t.client.Exists(ctx, callKey(id)).Result()
	if err != nil {
		return wrapTransport("append candidate", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}

	msg.Seq = ""
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	_, err = t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: candidatesKey(id),
			Values: map[string]interface{}{candidateField: data},
		})
		pipe.Expire(ctx, candidatesKey(id), t.opts.RecordTTL)
		return nil
	})
	if err != nil {
		return wrapTransport("append candidate", err)
	}
	return nil
}

// SubscribeCandidates replays the candidate log from the start and then
// follows it. The stream entry id becomes the message Seq.
func (t *RedisCallTransport) SubscribeCandidates(ctx context.Context, id domain.CallID, onAdded func(domain.IceCandidateMessage)) (ports.Unsubscribe, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	exists, err := t.client.Exists(ctx, callKey(id)).Result()
	if err != nil {
		return nil, wrapTransport("subscribe candidates", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}

	sub := queue.NewSubscriber(onAdded)
	readCtx, cancel := context.WithCancel(context.Background())
	go t.followCandidates(readCtx, id, sub)

	return t.track(func() {
		cancel()
		sub.Stop()
	}), nil
}

func (t *RedisCallTransport) followCandidates(ctx context.Context, id domain.CallID, sub *queue.Subscriber[domain.IceCandidateMessage]) {
	key := candidatesKey(id)
	lastID := "0"
	backoff := 50 * time.Millisecond

	for ctx.Err() == nil {
		streams, err := t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   100,
			Block:   t.opts.BlockTimeout,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			t.logger.Warnw("candidate read failed",
				"call_id", id,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				msg, err := decodeCandidate(entry)
				if err != nil {
					t.logger.Warnw("dropping unreadable candidate",
						"call_id", id,
						"entry_id", entry.ID,
						"error", err,
					)
					continue
				}
				sub.Push(msg)
			}
		}
	}
}

// SubscribeIncoming announces new calls for user and, once at subscription
// time, the calls that are still ringing for them.
func (t *RedisCallTransport) SubscribeIncoming(ctx context.Context, user domain.UserID, onRing func(*domain.CallRecord)) (ports.Unsubscribe, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	sub := queue.NewSubscriber(onRing)
	cancel, err := t.bus.Subscribe(ctx, incomingChannel(user), func(e *distributed.Event) error {
		rec, err := distributed.DecodeCall(e)
		if err != nil {
			return err
		}
		sub.Push(rec)
		return nil
	})
	if err != nil {
		sub.Stop()
		return nil, wrapTransport("subscribe incoming", err)
	}

	recent, err := t.ListCalls(ctx, user, incomingCatchUpSize)
	if err != nil {
		t.logger.Warnw("failed to catch up on ringing calls",
			"user_id", user,
			"error", err,
		)
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if rec := recent[i]; rec.ReceiverID == user && rec.Status == domain.CallStatusRinging {
			sub.Push(rec)
		}
	}

	return t.track(func() {
		cancel()
		sub.Stop()
	}), nil
}

// ListCalls returns the newest records user took part in. Index entries whose
// record has expired are pruned on the way.
func (t *RedisCallTransport) ListCalls(ctx context.Context, user domain.UserID, limit int) ([]*domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := t.client.ZRevRange(ctx, historyKey(user), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, wrapTransport("list calls", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = callKey(domain.CallID(id))
	}
	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapTransport("list calls", err)
	}

	calls := make([]*domain.CallRecord, 0, len(values))
	var expired []interface{}
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		rec, err := decodeRecord([]byte(data))
		if err != nil {
			t.logger.Warnw("skipping unreadable call", "call_id", ids[i], "error", err)
			continue
		}
		calls = append(calls, rec)
	}
	if len(expired) > 0 {
		t.client.ZRem(ctx, historyKey(user), expired...)
	}
	return calls, nil
}

func (t *RedisCallTransport) HealthCheck(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.client.Ping(ctx).Err()
}

// Close cancels every live subscription and closes the client.
func (t *RedisCallTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[uint64]func())
	t.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	return CloseRedisClient(t.client)
}

func (t *RedisCallTransport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: %v", domain.ErrTransport, errClosed)
	}
	return nil
}

func (t *RedisCallTransport) track(cancel func()) ports.Unsubscribe {
	t.mu.Lock()
	t.nextID++
	subID := t.nextID
	t.subs[subID] = cancel
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, subID)
			t.mu.Unlock()
			cancel()
		})
	}
}

// newestOnly drops records whose status is behind one already delivered.
// It runs on a single subscriber goroutine.
func newestOnly(fn func(*domain.CallRecord)) func(*domain.CallRecord) {
	var last domain.CallStatus
	return func(rec *domain.CallRecord) {
		if last != "" && statusRank(rec.Status) < statusRank(last) {
			return
		}
		last = rec.Status
		fn(rec)
	}
}

func statusRank(s domain.CallStatus) int {
	switch {
	case s == domain.CallStatusRinging:
		return 0
	case s == domain.CallStatusConnected:
		return 1
	case s.IsTerminal():
		return 2
	}
	return -1
}

func decodeRecord(data []byte) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	return &rec, nil
}

func decodeCandidate(entry redis.XMessage) (domain.IceCandidateMessage, error) {
	var msg domain.IceCandidateMessage
	raw, ok := entry.Values[candidateField].(string)
	if !ok {
		return msg, fmt.Errorf("missing %q field", candidateField)
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return msg, err
	}
	msg.Seq = entry.ID
	return msg, nil
}

func wrapTransport(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrTransport, op, err)
}

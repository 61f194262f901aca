package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// TurnLocker serializes chat turns per user. Lock blocks until the caller owns the user's
// turn and returns the func that releases it; that func is safe to call more than once.
// When enabled, the lock spans the whole turn including the completion call, so it is
// per-user only and never blocks other users. NoopTurnLocker keeps the external call lock-free.
type TurnLocker interface {
	Lock(ctx context.Context, userID uuid.UUID) (func(), error)
}

// turnLockMargin covers the storage round trips around the completion call.
const turnLockMargin = time.Minute

// TurnLockTTL is the lock lifetime needed for a turn whose completion call is bounded by completionTimeout.
func TurnLockTTL(completionTimeout time.Duration) time.Duration {
	return completionTimeout + turnLockMargin
}

type noopTurnLocker struct{}

// NoopTurnLocker lets concurrent turns for the same user interleave.
func NoopTurnLocker() TurnLocker { return noopTurnLocker{} }

func (noopTurnLocker) Lock(context.Context, uuid.UUID) (func(), error) { return func() {}, nil }

// MemoryTurnLocker is a keyed mutex for single-instance deployments.
type MemoryTurnLocker struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*turnSlot
}

type turnSlot struct {
	ch   chan struct{}
	refs int
}

func NewMemoryTurnLocker() *MemoryTurnLocker {
	return &MemoryTurnLocker{slots: make(map[uuid.UUID]*turnSlot)}
}

func (l *MemoryTurnLocker) Lock(ctx context.Context, userID uuid.UUID) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[userID]
	if !ok {
		slot = &turnSlot{ch: make(chan struct{}, 1)}
		l.slots[userID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, slot, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(userID, slot, true) }) }, nil
}

func (l *MemoryTurnLocker) release(userID uuid.UUID, slot *turnSlot, held bool) {
	if held {
		<-slot.ch
	}
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, userID)
	}
	l.mu.Unlock()
}

// RedisTurnLocker serializes turns across instances with a SET NX lock per user.
// The TTL bounds how long a crashed holder can block the user and must outlast a turn; see TurnLockTTL.
type RedisTurnLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retryEvery time.Duration
	log        logrus.FieldLogger
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func NewRedisTurnLocker(client *redis.Client, ttl time.Duration, log logrus.FieldLogger) *RedisTurnLocker {
	return &RedisTurnLocker{client: client, ttl: ttl, retryEvery: 100 * time.Millisecond, log: log}
}

func (l *RedisTurnLocker) Lock(ctx context.Context, userID uuid.UUID) (func(), error) {
	key := fmt.Sprintf("chat_turn_lock:%s", userID.String())
	token := uuid.NewString()

	for {
		locked, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to acquire turn lock: %w", err)
		}
		if locked {
			break
		}

		timer := time.NewTimer(l.retryEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Released on a fresh context: the request context may already be gone.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.log.WithError(err).WithFields(logrus.Fields{
					"user_id": userID,
					"ttl":     l.ttl,
				}).Warn("chat: failed to release turn lock; it expires with its TTL")
			}
		})
	}, nil
}

// Package idempotency implements the two-phase LOCK -> EXECUTE -> RESULT
// pattern that lets POST /auto-mode and POST /register be replayed safely
// when a client retries after a dropped response: the first request to
// acquire the key's lock runs the handler and stores its result; every
// other request carrying the same key either replays the stored result or
// waits for it to appear.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/observability"
)

// ErrLockExpiredWithoutResult means the process holding the key's lock
// died (or is simply slow) without ever storing a result.
var ErrLockExpiredWithoutResult = errors.New("idempotency: lock expired without result")

// ErrWaitTimeout means no result appeared before the poll deadline.
var ErrWaitTimeout = errors.New("idempotency: timed out waiting for result")

type state string

const (
	stateLocked state = "LOCKED"
	stateResult state = "RESULT"
)

// Response is the cached handler output replayed to retried callers.
type Response struct {
	StatusCode int               `json:"status_code"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type record struct {
	State     state     `json:"state"`
	Response  Response  `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	maxExpectedExecutionTime = 60 * time.Second
	lockTTL                  = 2 * maxExpectedExecutionTime
	resultTTL                = 24 * time.Hour
	waitPollTimeout          = 15 * time.Second
)

func lockKey(key string) string   { return "idempotency:lock:" + key }
func resultKey(key string) string { return "idempotency:result:" + key }

// Store drives the LOCK -> EXECUTE -> RESULT protocol over a kvstore.Store.
type Store struct {
	store kvstore.Store
}

// New builds an idempotency Store backed by the given key-value store.
func New(store kvstore.Store) *Store {
	return &Store{store: store}
}

// Execute runs fn exactly once per key; concurrent or retried callers with
// the same key get the first call's Response instead of re-running fn.
func (s *Store) Execute(ctx context.Context, route, key string, fn func(context.Context) (Response, error)) (Response, error) {
	existing, err := s.get(ctx, key)
	if err != nil {
		return Response{}, err
	}
	if existing != nil {
		if existing.State == stateResult {
			observability.IdempotencyReplays.WithLabelValues(route).Inc()
			return existing.Response, nil
		}
		return s.waitForResult(ctx, route, key)
	}

	acquired, err := s.store.AcquireLock(ctx, lockKey(key), key, lockTTL)
	if err != nil {
		return Response{}, err
	}
	if !acquired {
		return s.waitForResult(ctx, route, key)
	}
	observability.IdempotencyLockAcquired.Inc()

	existing, err = s.get(ctx, key)
	if err != nil {
		_ = s.store.ReleaseLock(ctx, lockKey(key), key)
		return Response{}, err
	}
	if existing != nil && existing.State == stateResult {
		_ = s.store.ReleaseLock(ctx, lockKey(key), key)
		observability.IdempotencyReplays.WithLabelValues(route).Inc()
		return existing.Response, nil
	}

	resp, err := fn(ctx)
	if err != nil {
		_ = s.store.ReleaseLock(ctx, lockKey(key), key)
		return Response{}, err
	}

	if storeErr := s.storeResult(ctx, key, resp); storeErr != nil {
		return resp, nil
	}
	return resp, nil
}

func (s *Store) get(ctx context.Context, key string) (*record, error) {
	raw, found, err := s.store.Get(ctx, resultKey(key))
	if err != nil {
		return nil, err
	}
	if found {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		return &rec, nil
	}

	owner, err := s.store.GetLockOwner(ctx, lockKey(key))
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, nil
	}
	return &record{State: stateLocked}, nil
}

func (s *Store) storeResult(ctx context.Context, key string, resp Response) error {
	rec := record{State: stateResult, Response: resp, CreatedAt: time.Now()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, resultKey(key), string(raw), resultTTL); err != nil {
		return err
	}
	return s.store.ReleaseLock(ctx, lockKey(key), key)
}

func (s *Store) waitForResult(ctx context.Context, route, key string) (Response, error) {
	deadline := time.Now().Add(waitPollTimeout)
	backoff := 100 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for time.Now().Before(deadline) {
		rec, err := s.get(ctx, key)
		if err != nil {
			return Response{}, err
		}
		if rec == nil {
			observability.IdempotencyLockExpired.Inc()
			return Response{}, ErrLockExpiredWithoutResult
		}
		if rec.State == stateResult {
			observability.IdempotencyReplays.WithLabelValues(route).Inc()
			return rec.Response, nil
		}

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return Response{}, ErrWaitTimeout
}

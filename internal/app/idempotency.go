package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyStatusProcessing = "processing"
	idempotencyStatusCompleted  = "completed"

	// MaxIdempotencyKeyLength bounds client supplied keys.
	MaxIdempotencyKeyLength = 128
)

var (
	ErrIdempotencyInProgress = errors.New("a request with this idempotency key is still in progress")
	ErrIdempotencyConflict   = errors.New("idempotency key was already used with a different request")
	ErrIdempotencyKeyInvalid = errors.New("idempotency key is invalid")
)

// CachedResponse is the replayable outcome of a completed request.
type CachedResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

type idempotencyRecord struct {
	Status      string          `json:"status"`
	RequestHash string          `json:"request_hash"`
	Response    *CachedResponse `json:"response,omitempty"`
}

// IdempotencyStore reserves and completes idempotency keys per owner.
type IdempotencyStore interface {
	Acquire(ctx context.Context, owner, key, requestHash string) (cached *CachedResponse, acquired bool, err error)
	Complete(ctx context.Context, owner, key, requestHash string, response CachedResponse) error
	Release(ctx context.Context, owner, key string) error
}

// RedisIdempotencyStore keeps idempotency records in Redis. A reservation lives for
// staleWindow so a crashed request frees its key; a completed record lives for ttl.
type RedisIdempotencyStore struct {
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	staleWindow time.Duration
}

func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{
		client:      client,
		prefix:      redisNamespace(prefix, "idempotency"),
		ttl:         ttl,
		staleWindow: 2 * time.Minute,
	}
}

// redisNamespace joins the configured key prefix, defaulting to "ledger", with a
// feature name.
func redisNamespace(prefix, feature string) string {
	base := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if base == "" {
		base = "ledger"
	}
	return base + ":" + feature
}

// NormalizeIdempotencyKey trims key and rejects values that are too long or contain
// control characters. An empty result means no key was supplied.
func NormalizeIdempotencyKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", nil
	}
	if len(key) > MaxIdempotencyKeyLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrIdempotencyKeyInvalid, MaxIdempotencyKeyLength)
	}
	for _, r := range key {
		if r < 0x21 || r == 0x7f {
			return "", fmt.Errorf("%w: contains whitespace or control characters", ErrIdempotencyKeyInvalid)
		}
	}
	return key, nil
}

// HashRequest fingerprints the parts of a request that must match on replay.
func HashRequest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func (s *RedisIdempotencyStore) key(owner, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, owner, key)
}

// Acquire reserves key for owner. acquired=true means the caller should run the request
// and then Complete or Release. A completed record is returned as cached.
func (s *RedisIdempotencyStore) Acquire(ctx context.Context, owner, key, requestHash string) (*CachedResponse, bool, error) {
	reservation, err := json.Marshal(idempotencyRecord{Status: idempotencyStatusProcessing, RequestHash: requestHash})
	if err != nil {
		return nil, false, fmt.Errorf("marshal idempotency reservation: %w", err)
	}

	redisKey := s.key(owner, key)
	ok, err := s.client.SetNX(ctx, redisKey, reservation, s.staleWindow).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET; the caller may retry immediately.
			return nil, false, ErrIdempotencyInProgress
		}
		return nil, false, fmt.Errorf("load idempotency record: %w", err)
	}

	var record idempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	if record.RequestHash != requestHash {
		return nil, false, ErrIdempotencyConflict
	}
	if record.Status == idempotencyStatusCompleted && record.Response != nil {
		return record.Response, false, nil
	}
	return nil, false, ErrIdempotencyInProgress
}

// Complete stores the final response for replay.
func (s *RedisIdempotencyStore) Complete(ctx context.Context, owner, key, requestHash string, response CachedResponse) error {
	payload, err := json.Marshal(idempotencyRecord{
		Status:      idempotencyStatusCompleted,
		RequestHash: requestHash,
		Response:    &response,
	})
	if err != nil {
		return fmt.Errorf("marshal idempotent response payload: %w", err)
	}
	if err := s.client.Set(ctx, s.key(owner, key), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release drops a reservation so the client can retry with the same key.
func (s *RedisIdempotencyStore) Release(ctx context.Context, owner, key string) error {
	if err := s.client.Del(ctx, s.key(owner, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

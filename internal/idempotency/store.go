package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "attendance:idempotency:"
	pendingPrefix = "pending:"
)

var (
	// ErrInFlight means another request holding the same key has not finished.
	ErrInFlight = errors.New("request with this idempotency key is still in progress")
	// ErrReservationLost means the reservation expired and the key moved on
	// before the holder completed it.
	ErrReservationLost = errors.New("idempotency reservation no longer held")
)

// Both scripts act only while the key still holds the caller's reservation.
var (
	completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// Response is what gets replayed for a repeated key.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type Store struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewClient(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("redis connected", "addr", addr)

	return rdb, nil
}

func NewStore(rdb redis.Cmdable, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Begin reserves key for the caller. It returns a reservation token when the
// caller owns the key, the stored response when the key already completed, and
// ErrInFlight when another request holds it.
func (s *Store) Begin(ctx context.Context, key string) (string, *Response, error) {
	token := pendingPrefix + uuid.NewString()

	for i := 0; i < 2; i++ {
		ok, err := s.rdb.SetNX(ctx, keyPrefix+key, token, s.ttl).Result()
		if err != nil {
			return "", nil, err
		}
		if ok {
			return token, nil, nil
		}

		val, err := s.rdb.Get(ctx, keyPrefix+key).Result()
		if errors.Is(err, redis.Nil) {
			// Expired or released between SETNX and GET.
			continue
		}
		if err != nil {
			return "", nil, err
		}
		if strings.HasPrefix(val, pendingPrefix) {
			return "", nil, ErrInFlight
		}

		var resp Response
		if err := json.Unmarshal([]byte(val), &resp); err != nil {
			return "", nil, fmt.Errorf("decode stored response: %w", err)
		}
		return "", &resp, nil
	}
	return "", nil, ErrInFlight
}

// Complete stores the response for replay until the key expires. It fails
// with ErrReservationLost when token no longer holds the key.
func (s *Store) Complete(ctx context.Context, key, token string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	n, err := completeScript.Run(ctx, s.rdb, []string{keyPrefix + key}, token, data, s.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReservationLost
	}
	return nil
}

// Release drops the reservation so the request can be retried. A key that was
// taken over by a newer reservation is left alone.
func (s *Store) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, s.rdb, []string{keyPrefix + key}, token).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisPrefix = "pawfect:otp:"

// RedisStore keeps one list per (purpose, email). The key expires with the validity window;
// verification still compares timestamps.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

type redisEntry struct {
	ID        int64     `json:"id"`
	CodeHash  string    `json:"code_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRedisStore wraps an existing client. ttl bounds how long a key outlives its newest code.
func NewRedisStore(client *redis.Client, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("redis: url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

func redisKey(email string, purpose Purpose) string {
	return redisPrefix + string(purpose) + ":" + email
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, in CreateRecord) (Record, error) {
	if in.Email == "" || in.CodeHash == "" || !in.Purpose.Valid() {
		return Record{}, ErrInvalidInput
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	id, err := s.client.Incr(ctx, redisPrefix+"seq").Result()
	if err != nil {
		return Record{}, fmt.Errorf("otp: redis seq: %w", err)
	}

	raw, err := json.Marshal(redisEntry{ID: id, CodeHash: in.CodeHash, CreatedAt: in.CreatedAt.UTC()})
	if err != nil {
		return Record{}, err
	}

	key := redisKey(in.Email, in.Purpose)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, raw)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("otp: redis push: %w", err)
	}

	return Record{
		ID:        id,
		Email:     in.Email,
		Purpose:   in.Purpose,
		CodeHash:  in.CodeHash,
		CreatedAt: in.CreatedAt.UTC(),
	}, nil
}

// FindLatest implements Store.
func (s *RedisStore) FindLatest(ctx context.Context, email string, purpose Purpose, codeHash string, notBefore time.Time) (Record, error) {
	entries, _, err := s.load(ctx, email, purpose)
	if err != nil {
		return Record{}, err
	}

	var (
		best  redisEntry
		found bool
	)
	for _, e := range entries {
		if e.CodeHash != codeHash || e.CreatedAt.Before(notBefore) {
			continue
		}
		if !found || e.CreatedAt.After(best.CreatedAt) || (e.CreatedAt.Equal(best.CreatedAt) && e.ID > best.ID) {
			best, found = e, true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return Record{ID: best.ID, Email: email, Purpose: purpose, CodeHash: best.CodeHash, CreatedAt: best.CreatedAt}, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, email string, purpose Purpose, id int64) error {
	entries, raws, err := s.load(ctx, email, purpose)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.ID != id {
			continue
		}
		n, err := s.client.LRem(ctx, redisKey(email, purpose), 1, raws[i]).Result()
		if err != nil {
			return fmt.Errorf("otp: redis lrem: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	}
	return ErrNotFound
}

// DeleteAll implements Store.
func (s *RedisStore) DeleteAll(ctx context.Context, email string, purpose Purpose) (int64, error) {
	key := redisKey(email, purpose)
	var llen *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		llen = p.LLen(ctx, key)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("otp: redis delete all: %w", err)
	}
	return llen.Val(), nil
}

func (s *RedisStore) load(ctx context.Context, email string, purpose Purpose) ([]redisEntry, []string, error) {
	raws, err := s.client.LRange(ctx, redisKey(email, purpose), 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("otp: redis lrange: %w", err)
	}

	entries := make([]redisEntry, 0, len(raws))
	kept := make([]string, 0, len(raws))
	for _, raw := range raws {
		var e redisEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
		kept = append(kept, raw)
	}
	return entries, kept, nil
}

var _ Store = (*RedisStore)(nil)

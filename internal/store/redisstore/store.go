// Package redisstore keeps small per-user pointers in Redis.
package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultSessionTTL = 7 * 24 * time.Hour

type Store struct {
	rdb        *redis.Client
	prefix     string
	sessionTTL time.Duration
}

func New(addr, password string, db int) *Store {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, prefix: "chat:", sessionTTL: DefaultSessionTTL}
}

// SetSessionTTL changes how long an idle current-session pointer is kept.
func (s *Store) SetSessionTTL(ttl time.Duration) {
	if ttl > 0 {
		s.sessionTTL = ttl
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) currentKey(userID uint64) string {
	return s.prefix + "current_session:" + strconv.FormatUint(userID, 10)
}

// CurrentSession returns "" when the user has no pointer.
func (s *Store) CurrentSession(ctx context.Context, userID uint64) (string, error) {
	v, err := s.rdb.Get(ctx, s.currentKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *Store) SetCurrentSession(ctx context.Context, userID uint64, sessionID string) error {
	return s.rdb.Set(ctx, s.currentKey(userID), sessionID, s.sessionTTL).Err()
}

func (s *Store) ClearCurrentSession(ctx context.Context, userID uint64) error {
	return s.rdb.Del(ctx, s.currentKey(userID)).Err()
}

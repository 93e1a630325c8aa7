package program

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKey = "affiliate:program"

// Connect - клиент Redis по URL или host:port
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

type redisShared struct {
	client *redis.Client
}

func NewRedisShared(client *redis.Client) Shared {
	return &redisShared{client: client}
}

func (s *redisShared) Get(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return data, err
}

func (s *redisShared) Set(ctx context.Context, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, redisKey, data, ttl).Err()
}

func (s *redisShared) Del(ctx context.Context) error {
	return s.client.Del(ctx, redisKey).Err()
}

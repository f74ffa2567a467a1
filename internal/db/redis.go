package db

import (
	"context"
	"log"
	"time"

	"backend-fieldtrack/internal/config"
	"github.com/redis/go-redis/v9"
)

// ConnectRedis returns the map fan-out client, or nil when REDIS_ADDR is empty.
// An unreachable server is logged; go-redis keeps redialling on use.
func ConnectRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("redis ping %s: %v", cfg.RedisAddr, err)
	}
	return client
}

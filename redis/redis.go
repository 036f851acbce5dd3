package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const connectTimeout = 3 * time.Second

type RedisConfig struct {
	Host      string `json:"host" env:"HOST"`
	Port      int    `json:"port" env:"PORT"`
	Password  string `json:"password" env:"PASSWORD"`
	Namespace string `json:"namespace" env:"NAMESPACE"`
}

type RedisSentinelConfig struct {
	SentinelHost     string `json:"sentinel_host" env:"SENTINEL_HOST"`
	SentinelPort     int    `json:"sentinel_port" env:"SENTINEL_PORT"`
	Password         string `json:"password" env:"PASSWORD"`
	MasterName       string `json:"master_name" env:"MASTER_NAME"`
	SentinelUsername string `json:"sentinel_username" env:"SENTINEL_USERNAME"`
	Namespace        string `json:"namespace" env:"NAMESPACE"`
}

// NewRedisClient connects to a standalone Redis server and verifies the
// connection with a ping.
func NewRedisClient(config *RedisConfig) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    config.Password,
		DialTimeout: connectTimeout,
	})

	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	slog.Info("Connected to Redis", "addr", addr)
	return client, nil
}

// NewRedisSentinelClient connects to the master announced by a Redis
// Sentinel and verifies the connection with a ping.
func NewRedisSentinelClient(config *RedisSentinelConfig) (*redis.Client, error) {
	if config.MasterName == "" {
		return nil, errors.New("failed to connect to Redis through Sentinel: master name is required")
	}

	addr := fmt.Sprintf("%s:%d", config.SentinelHost, config.SentinelPort)
	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:       config.MasterName,
		SentinelAddrs:    []string{addr},
		SentinelUsername: config.SentinelUsername,
		SentinelPassword: config.Password,
		Password:         config.Password,
		DialTimeout:      connectTimeout,
	})

	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis through Sentinel at %s: %w", addr, err)
	}
	slog.Info("Connected to Redis through Sentinel", "sentinel", addr, "master", config.MasterName)
	return client, nil
}

func ping(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}

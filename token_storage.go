package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStorage keeps the nonce handed out for each verification session.
// Should be safe to use concurrently.
type TokenStorage interface {
	// Store the nonce for the given session id.
	// Should not return an error when the value already exists,
	// it should just update in that case.
	StoreToken(ctx context.Context, sessionId string, nonce string) error

	// Should retrieve the nonce for the given session id
	// and return an error in any case where it fails to do so.
	RetrieveToken(ctx context.Context, sessionId string) (string, error)

	// Should remove the nonce and return an error if it fails to do so.
	// The value not being there should also be considered an error.
	RemoveToken(ctx context.Context, sessionId string) error
}

// DefaultTokenTTL bounds how long a nonce stays valid.
const DefaultTokenTTL time.Duration = 24 * time.Hour

// ------------------------------------------------------------------------------

type RedisTokenStorage struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

func NewRedisTokenStorage(client *redis.Client, namespace string, ttl time.Duration) *RedisTokenStorage {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &RedisTokenStorage{client: client, namespace: namespace, ttl: ttl}
}

func createKey(namespace, sessionId string) string {
	return fmt.Sprintf("%s:nonce:%s", namespace, sessionId)
}

func (s *RedisTokenStorage) StoreToken(ctx context.Context, sessionId string, nonce string) error {
	return s.client.Set(ctx, createKey(s.namespace, sessionId), nonce, s.ttl).Err()
}

func (s *RedisTokenStorage) RetrieveToken(ctx context.Context, sessionId string) (string, error) {
	return s.client.Get(ctx, createKey(s.namespace, sessionId)).Result()
}

func (s *RedisTokenStorage) RemoveToken(ctx context.Context, sessionId string) error {
	n, err := s.client.Del(ctx, createKey(s.namespace, sessionId)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("failed to remove token for %s, because it wasn't there", sessionId)
	}
	return nil
}

// ------------------------------------------------------------------------------

type inMemoryToken struct {
	nonce   string
	expires time.Time
}

type InMemoryTokenStorage struct {
	tokens map[string]inMemoryToken
	ttl    time.Duration
	now    func() time.Time
	mutex  sync.Mutex
}

func NewInMemoryTokenStorage() *InMemoryTokenStorage {
	return &InMemoryTokenStorage{
		tokens: make(map[string]inMemoryToken),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
}

func (s *InMemoryTokenStorage) StoreToken(_ context.Context, sessionId, nonce string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.tokens[sessionId] = inMemoryToken{nonce: nonce, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *InMemoryTokenStorage) RetrieveToken(_ context.Context, sessionId string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	token, ok := s.tokens[sessionId]
	if !ok {
		return "", fmt.Errorf("failed to find token for %s", sessionId)
	}
	if !s.now().Before(token.expires) {
		delete(s.tokens, sessionId)
		return "", fmt.Errorf("token for %s has expired", sessionId)
	}
	return token.nonce, nil
}

func (s *InMemoryTokenStorage) RemoveToken(_ context.Context, sessionId string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.tokens[sessionId]; !ok {
		return fmt.Errorf("failed to remove token for %s, because it wasn't there", sessionId)
	}
	delete(s.tokens, sessionId)
	return nil
}

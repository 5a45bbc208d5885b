package tenant

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// ErrSessionNotFound is returned when a token is unknown, revoked or
// expired. Callers surface it as an authorization failure requiring
// re-authentication.
var ErrSessionNotFound = errors.New("session not found or expired")

// sessionData is what we store per access token.
type sessionData struct {
	TenantID    string    `json:"tenant_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStore maps opaque access tokens to tenant identities with a TTL.
// Only the token's hash ever reaches Redis.
type SessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewSessionStore(redisURL string, ttl time.Duration) (*SessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewSessionStoreWithClient(client, ttl), nil
}

// NewSessionStoreWithClient creates a store from an existing Redis client.
func NewSessionStoreWithClient(client *redis.Client, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionStore{
		client: client,
		prefix: "tenant_session:",
		ttl:    ttl,
	}
}

// HashToken fingerprints an access token for use as a storage key.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *SessionStore) key(token string) string {
	return s.prefix + HashToken(token)
}

// Save binds token to a tenant identity for the store's TTL.
func (s *SessionStore) Save(ctx context.Context, token, tenantID, displayName string) error {
	if tenantID == "" {
		return errors.New("tenant id required")
	}
	data := sessionData{
		TenantID:    tenantID,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Resolve turns an access token into the tenant context it was issued for.
func (s *SessionStore) Resolve(ctx context.Context, token string) (Context, error) {
	jsonData, err := s.client.Get(ctx, s.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return Context{}, ErrSessionNotFound
	}
	if err != nil {
		return Context{}, fmt.Errorf("lookup session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return Context{}, fmt.Errorf("unmarshal session data: %w", err)
	}
	if data.TenantID == "" {
		return Context{}, ErrSessionNotFound
	}
	return NewContext(data.TenantID), nil
}

// Revoke invalidates a token before its TTL lapses.
func (s *SessionStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SessionStore) Close() error {
	return s.client.Close()
}

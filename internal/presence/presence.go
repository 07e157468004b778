// Package presence tracks which users currently hold a live gateway
// connection. Each connected user owns a Redis hash with a short TTL that the
// gateway refreshes on activity; the matcher treats an expired key as a
// vanished user and drops their queue entry.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL is how long a presence key survives without a refresh.
	PresenceTTL = 60 * time.Second
)

// Presence is a connected user's presence record.
type Presence struct {
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"`       // which gateway instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastSeen    int64  `redis:"last_seen"`    // unix timestamp
}

// Store manages presence keys in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore connects to Redis at redisAddr and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func key(userID string) string {
	return PresencePrefix + userID
}

// Connect records that userID is connected to this server.
func (s *Store) Connect(ctx context.Context, userID string) error {
	now := time.Now().Unix()
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(userID), map[string]interface{}{
		"user_id":      userID,
		"server":       s.serverName,
		"connected_at": now,
		"last_seen":    now,
	})
	pipe.Expire(ctx, key(userID), PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: connect %s: %w", userID, err)
	}
	return nil
}

// Touch refreshes the presence TTL and last_seen timestamp.
func (s *Store) Touch(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(userID), "last_seen", strconv.FormatInt(time.Now().Unix(), 10))
	pipe.Expire(ctx, key(userID), PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the presence record of userID, or nil if the user is offline.
func (s *Store) Get(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, key(userID)).Scan(&p); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	if p.UserID == "" {
		return nil, nil
	}
	return &p, nil
}

// Online reports whether userID has a live presence key.
func (s *Store) Online(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence: exists %s: %w", userID, err)
	}
	return n > 0, nil
}

// Disconnect removes the presence key, but only if this server owns it:
// a reconnect through another gateway must not be erased.
func (s *Store) Disconnect(ctx context.Context, userID string) error {
	server, err := s.client.HGet(ctx, key(userID), "server").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("presence: disconnect %s: %w", userID, err)
	}
	if server != s.serverName {
		return nil
	}
	return s.client.Del(ctx, key(userID)).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Package messaging provides a NATS client wrapper that serves as the
// realtime change feed for match records. It handles connection lifecycle,
// subject-based subscriptions, and typed publish/subscribe helpers for match
// creation and match status changes.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livematch/quickmatch/internal/match"
	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across quick-match services.
const (
	SubjectMatchChanges = "match.changes" // + .<match_id>
	SubjectMatchCreated = "match.created" // + .<user_id>
)

const flushTimeout = 2 * time.Second

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "quickmatch",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription under key for later cleanup.
func (c *NATSClient) Subscribe(key, subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()

	return nil
}

// PublishMatchChange publishes the current state of m to match.changes.<id>.
func (c *NATSClient) PublishMatchChange(m match.Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("messaging: marshal match %s: %w", m.ID, err)
	}
	if err := c.Publish(SubjectMatchChanges+"."+m.ID, data); err != nil {
		return fmt.Errorf("messaging: publish change for %s: %w", m.ID, err)
	}
	return nil
}

// PublishMatchCreated notifies both participants of a new match on their
// match.created.<user_id> subjects.
func (c *NATSClient) PublishMatchCreated(m match.Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("messaging: marshal match %s: %w", m.ID, err)
	}
	for _, user := range []string{m.UserA, m.UserB} {
		if err := c.Publish(SubjectMatchCreated+"."+user, data); err != nil {
			return fmt.Errorf("messaging: publish match.created for %s: %w", user, err)
		}
	}
	return nil
}

// SubscribeMatchChanges delivers every published change of one match record.
// The returned function releases the subscription and is safe to call twice.
func (c *NATSClient) SubscribeMatchChanges(matchID string, onChange func(match.Match)) (func(), error) {
	return c.subscribeMatches("changes:"+matchID, SubjectMatchChanges+"."+matchID, onChange)
}

// SubscribeUserMatches delivers every match created for userID.
func (c *NATSClient) SubscribeUserMatches(userID string, onMatch func(match.Match)) (func(), error) {
	return c.subscribeMatches("created:"+userID, SubjectMatchCreated+"."+userID, onMatch)
}

// subscribeMatches decodes match payloads on subject. Each subscription gets
// its own key so concurrent sessions for the same subject stay independent.
func (c *NATSClient) subscribeMatches(prefix, subject string, fn func(match.Match)) (func(), error) {
	key := prefix + ":" + uuid.New().String()
	err := c.Subscribe(key, subject, func(msg *nats.Msg) {
		var m match.Match
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.Printf("[nats] invalid match payload on %s: %v", msg.Subject, err)
			return
		}
		if _, err := match.ParseStatus(string(m.Status)); err != nil {
			log.Printf("[nats] dropping match %s on %s: %v", m.ID, msg.Subject, err)
			return
		}
		fn(m)
	})
	if err != nil {
		return nil, err
	}
	// Interest must be registered on the server before the caller re-reads
	// state, or changes published in between are not delivered.
	if err := c.conn.FlushTimeout(flushTimeout); err != nil {
		_ = c.unsubscribe(key)
		return nil, fmt.Errorf("nats flush %s: %w", subject, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := c.unsubscribe(key); err != nil {
				log.Printf("[nats] %v", err)
			}
		})
	}, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return nil // already released, e.g. by Close
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}

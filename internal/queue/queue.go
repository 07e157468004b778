// Package queue is the persistent queue store. Waiting users live in a Redis
// sorted set ordered by fairness score, with one entry hash per user holding
// preferences and lifecycle state. All state changes that touch both
// structures run as Lua scripts so concurrent enqueue, dequeue and pairing
// calls never observe a half-applied entry.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/livematch/quickmatch/internal/match"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for queue data structures.
	keyWaiting     = "queue:waiting" // Sorted set, score = fairness score (ms)
	keyEntryPrefix = "queue:entry:"  // + <user_id> -> Hash

	// PriorityStep is how far one point of priority moves an entry ahead.
	PriorityStep = 10 * time.Second

	// cancelledTTL bounds how long a cancelled entry hash is kept for lookups.
	cancelledTTL = 10 * time.Minute
)

// Score computes the fairness score of an entry: older entries and higher
// priorities sort first.
func Score(createdAt time.Time, priority int) float64 {
	return float64(createdAt.UnixMilli() - int64(priority)*PriorityStep.Milliseconds())
}

// Ranked is a waiting entry together with its position score.
type Ranked struct {
	Entry match.QueueEntry
	Score float64
}

// Store manages the queue data structures in Redis.
type Store struct {
	rdb     *redis.Client
	now     func() time.Time
	enqueue *redis.Script
	dequeue *redis.Script
	claim   *redis.Script
	restore *redis.Script
}

// NewStore creates a queue store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:     rdb,
		now:     time.Now,
		enqueue: redis.NewScript(enqueueLua),
		dequeue: redis.NewScript(dequeueLua),
		claim:   redis.NewScript(claimLua),
		restore: redis.NewScript(restoreLua),
	}
}

func entryKey(userID string) string {
	return keyEntryPrefix + userID
}

// Enqueue records userID as waiting. A user has at most one waiting entry:
// enqueueing again while waiting updates preferences and priority but keeps
// the entry id and join time. It returns the entry id.
func (s *Store) Enqueue(ctx context.Context, userID string, prefs match.Preferences, priority int) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("queue: enqueue: empty user id")
	}
	prefs = prefs.Normalized()
	now := s.now()

	id, err := s.enqueue.Run(ctx, s.rdb,
		[]string{keyWaiting, entryKey(userID)},
		userID,
		uuid.New().String(),
		now.UnixMilli(),
		priority,
		PriorityStep.Milliseconds(),
		prefs.Gender,
		prefs.Want,
		prefs.Locale,
		prefs.Region,
	).Text()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", userID, err)
	}
	return id, nil
}

// DequeueSelf cancels the user's waiting entry and returns its id, or "" if
// the user had no waiting entry.
func (s *Store) DequeueSelf(ctx context.Context, userID string) (string, error) {
	id, err := s.dequeue.Run(ctx, s.rdb,
		[]string{keyWaiting, entryKey(userID)},
		userID,
		s.now().UnixMilli(),
		int(cancelledTTL.Seconds()),
	).Text()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("queue: dequeue %s: %w", userID, err)
	}
	return id, nil
}

// Claim atomically takes both users out of the queue. It reports false if
// either entry is no longer waiting, in which case nothing is changed.
func (s *Store) Claim(ctx context.Context, userA, userB string) (bool, error) {
	if userA == userB {
		return false, nil
	}
	n, err := s.claim.Run(ctx, s.rdb,
		[]string{keyWaiting, entryKey(userA), entryKey(userB)},
		userA,
		userB,
		s.now().UnixMilli(),
		int(cancelledTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: claim %s/%s: %w", userA, userB, err)
	}
	return n == 1, nil
}

// Restore puts previously claimed entries back in the queue with their
// original scores. Entries that were re-enqueued or removed in the meantime
// are left alone.
func (s *Store) Restore(ctx context.Context, entries ...Ranked) error {
	for _, r := range entries {
		err := s.restore.Run(ctx, s.rdb,
			[]string{keyWaiting, entryKey(r.Entry.UserID)},
			r.Entry.UserID,
			r.Entry.ID,
			strconv.FormatFloat(r.Score, 'f', 0, 64),
		).Err()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("queue: restore %s: %w", r.Entry.UserID, err)
		}
	}
	return nil
}

// GetEntry retrieves a user's queue entry, waiting or recently cancelled.
// Returns nil if not found.
func (s *Store) GetEntry(ctx context.Context, userID string) (*match.QueueEntry, error) {
	result, err := s.rdb.HGetAll(ctx, entryKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get entry %s: %w", userID, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	e := parseEntry(userID, result)
	return &e, nil
}

// Waiting returns every waiting entry in queue order, best score first.
func (s *Store) Waiting(ctx context.Context) ([]Ranked, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, keyWaiting, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list waiting: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, z := range members {
		cmds[i] = pipe.HGetAll(ctx, entryKey(z.Member.(string)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue: load waiting entries: %w", err)
	}

	out := make([]Ranked, 0, len(members))
	for i, z := range members {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue // removed concurrently
		}
		e := parseEntry(z.Member.(string), fields)
		if e.Status != match.EntryWaiting {
			continue
		}
		out = append(out, Ranked{Entry: e, Score: z.Score})
	}
	return out, nil
}

// IsQueued reports whether the user currently has a waiting entry.
func (s *Store) IsQueued(ctx context.Context, userID string) (bool, error) {
	_, err := s.rdb.ZScore(ctx, keyWaiting, userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: is queued %s: %w", userID, err)
	}
	return true, nil
}

// Size returns the number of waiting users.
func (s *Store) Size(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keyWaiting).Result()
}

func parseEntry(userID string, f map[string]string) match.QueueEntry {
	priority, _ := strconv.Atoi(f["priority"])
	e := match.QueueEntry{
		ID:     f["id"],
		UserID: userID,
		Prefs: match.Preferences{
			Gender: f["gender"],
			Want:   f["want"],
			Locale: f["locale"],
			Region: f["region"],
		},
		Priority:  priority,
		Status:    f["status"],
		CreatedAt: msTime(f["created_at"]),
	}
	if v := f["dequeued_at"]; v != "" {
		e.DequeuedAt = msTime(v)
	}
	return e
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

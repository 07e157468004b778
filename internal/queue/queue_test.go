package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/livematch/quickmatch/internal/match"
	"github.com/redis/go-redis/v9"
)

// newTestStore connects to the local Redis test database (DB 15) and
// flushes it. Tests that call this helper are skipped without Redis.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	return NewStore(client)
}

var anyPrefs = match.Preferences{Want: match.WantAny}

func TestEnqueueAndGetEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "u1", match.Preferences{Gender: "f", Locale: "de"}, 2)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if id == "" {
		t.Fatal("expected an entry id")
	}

	e, err := s.GetEntry(ctx, "u1")
	if err != nil {
		t.Fatalf("GetEntry() error: %v", err)
	}
	if e == nil {
		t.Fatal("expected entry, got nil")
	}
	if e.ID != id || e.Status != match.EntryWaiting || e.Priority != 2 {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Prefs.Want != match.WantAny || e.Prefs.Gender != "f" || e.Prefs.Locale != "de" {
		t.Errorf("unexpected preferences: %+v", e.Prefs)
	}

	queued, _ := s.IsQueued(ctx, "u1")
	if !queued {
		t.Error("u1 should be queued")
	}
}

func TestEnqueue_OneWaitingEntryPerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "u1", anyPrefs, 0)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	before, _ := s.GetEntry(ctx, "u1")

	second, err := s.Enqueue(ctx, "u1", match.Preferences{Want: "f"}, 1)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if first != second {
		t.Errorf("re-enqueue should keep entry id, got %s then %s", first, second)
	}

	after, _ := s.GetEntry(ctx, "u1")
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("re-enqueue should keep join time")
	}
	if after.Prefs.Want != "f" || after.Priority != 1 {
		t.Errorf("re-enqueue should update preferences: %+v", after)
	}
	if n, _ := s.Size(ctx); n != 1 {
		t.Errorf("expected queue size 1, got %d", n)
	}
}

func TestEnqueue_ConcurrentSameUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Enqueue(ctx, "u1", anyPrefs, 0); err != nil {
				t.Errorf("Enqueue() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n, _ := s.Size(ctx); n != 1 {
		t.Fatalf("expected a single waiting entry, got %d", n)
	}
}

func TestDequeueSelf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Enqueue(ctx, "u1", anyPrefs, 0)

	got, err := s.DequeueSelf(ctx, "u1")
	if err != nil {
		t.Fatalf("DequeueSelf() error: %v", err)
	}
	if got != id {
		t.Errorf("expected dequeued id %s, got %s", id, got)
	}

	e, _ := s.GetEntry(ctx, "u1")
	if e == nil || e.Status != match.EntryCancelled || e.DequeuedAt.IsZero() {
		t.Errorf("entry should be cancelled with dequeued_at, got %+v", e)
	}
	if queued, _ := s.IsQueued(ctx, "u1"); queued {
		t.Error("u1 should no longer be queued")
	}

	again, err := s.DequeueSelf(ctx, "u1")
	if err != nil || again != "" {
		t.Errorf("second dequeue should return empty id, got %q err=%v", again, err)
	}
}

func TestDequeueSelf_NeverQueued(t *testing.T) {
	s := newTestStore(t)
	id, err := s.DequeueSelf(context.Background(), "ghost")
	if err != nil || id != "" {
		t.Fatalf("expected no entry, got %q err=%v", id, err)
	}
}

func TestEnqueueAfterDequeue_NewEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _ := s.Enqueue(ctx, "u1", anyPrefs, 0)
	s.DequeueSelf(ctx, "u1")
	second, _ := s.Enqueue(ctx, "u1", anyPrefs, 0)

	if first == second {
		t.Error("enqueue after cancel should create a new entry")
	}
	e, _ := s.GetEntry(ctx, "u1")
	if !e.DequeuedAt.IsZero() {
		t.Error("new entry must not carry dequeued_at")
	}
}

func TestWaiting_OrderedByScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	s.Enqueue(ctx, "early", anyPrefs, 0)
	s.now = func() time.Time { return base.Add(3 * time.Second) }
	s.Enqueue(ctx, "late", anyPrefs, 0)
	s.now = func() time.Time { return base.Add(5 * time.Second) }
	s.Enqueue(ctx, "vip", anyPrefs, 1)

	ranked, err := s.Waiting(ctx)
	if err != nil {
		t.Fatalf("Waiting() error: %v", err)
	}
	var order []string
	for _, r := range ranked {
		order = append(order, r.Entry.UserID)
	}
	want := []string{"vip", "early", "late"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestClaim_AtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		s.Enqueue(ctx, u, anyPrefs, 0)
	}

	// u1 is contested by two concurrent matchers.
	var wg sync.WaitGroup
	wins := make(chan string, 2)
	for _, partner := range []string{"u2", "u3"} {
		wg.Add(1)
		go func(partner string) {
			defer wg.Done()
			ok, err := s.Claim(ctx, "u1", partner)
			if err != nil {
				t.Errorf("Claim() error: %v", err)
			}
			if ok {
				wins <- partner
			}
		}(partner)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning claim, got %v", winners)
	}

	loser := "u2"
	if winners[0] == "u2" {
		loser = "u3"
	}
	if queued, _ := s.IsQueued(ctx, loser); !queued {
		t.Errorf("losing partner %s must stay queued", loser)
	}
	if queued, _ := s.IsQueued(ctx, "u1"); queued {
		t.Error("claimed user must leave the queue")
	}
}

func TestClaim_SelfPairRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Enqueue(ctx, "u1", anyPrefs, 0)

	ok, err := s.Claim(ctx, "u1", "u1")
	if err != nil || ok {
		t.Fatalf("self claim must fail, got ok=%v err=%v", ok, err)
	}
}

func TestRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, "u1", anyPrefs, 0)
	s.Enqueue(ctx, "u2", anyPrefs, 0)
	before, _ := s.Waiting(ctx)

	if ok, _ := s.Claim(ctx, "u1", "u2"); !ok {
		t.Fatal("claim should succeed")
	}
	if err := s.Restore(ctx, before...); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	after, _ := s.Waiting(ctx)
	if len(after) != 2 {
		t.Fatalf("expected both entries back, got %d", len(after))
	}
	for i := range before {
		if after[i].Entry.UserID != before[i].Entry.UserID || after[i].Score != before[i].Score {
			t.Errorf("restored entry %d differs: %+v vs %+v", i, after[i], before[i])
		}
		if !after[i].Entry.DequeuedAt.IsZero() {
			t.Errorf("restored entry must not carry dequeued_at")
		}
	}
}

func TestRestore_SkipsReenqueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, "u1", anyPrefs, 0)
	s.Enqueue(ctx, "u2", anyPrefs, 0)
	before, _ := s.Waiting(ctx)
	s.Claim(ctx, "u1", "u2")

	fresh, _ := s.Enqueue(ctx, "u1", anyPrefs, 3)
	if err := s.Restore(ctx, before...); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	e, _ := s.GetEntry(ctx, "u1")
	if e.ID != fresh || e.Priority != 3 {
		t.Errorf("restore must not overwrite a newer entry: %+v", e)
	}
}

func TestRestore_SkipsUserWhoLeftDuringClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(ctx, "u1", anyPrefs, 0)
	s.Enqueue(ctx, "u2", anyPrefs, 0)
	before, _ := s.Waiting(ctx)
	if ok, _ := s.Claim(ctx, "u1", "u2"); !ok {
		t.Fatal("claim should succeed")
	}

	if id, err := s.DequeueSelf(ctx, "u1"); err != nil || id != "" {
		t.Fatalf("dequeue of a claimed entry: id=%q err=%v", id, err)
	}
	if err := s.Restore(ctx, before...); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	after, _ := s.Waiting(ctx)
	if len(after) != 1 || after[0].Entry.UserID != "u2" {
		t.Fatalf("only u2 should be back in the queue, got %+v", after)
	}
	if ok, _ := s.IsQueued(ctx, "u1"); ok {
		t.Error("u1 left and must stay out of the queue")
	}
}


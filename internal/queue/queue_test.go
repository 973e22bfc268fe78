package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

func testQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func testEnvelope(dedupeKey, employee string, receivedAt time.Time) *Envelope {
	return &Envelope{
		ID:         NewEnvelopeID(),
		EmployeeID: employee,
		Channel:    channel.Email,
		DedupeKey:  dedupeKey,
		ReceivedAt: receivedAt,
		Parsed: channel.InboundMessage{
			Channel:           channel.Email,
			ExternalMessageID: dedupeKey,
			BodyText:          "hi",
			ReceivedAt:        receivedAt,
		},
	}
}

func TestEnqueueClaimDone(t *testing.T) {
	q := testQueue(t, Options{})
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	inserted, err := q.Enqueue(ctx, testEnvelope("k1", "oliver", now))
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("expected insert")
	}

	env, err := q.ClaimNext(ctx, "oliver", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if env == nil {
		t.Fatal("expected claim")
	}
	if env.Attempts != 1 || env.Status != StatusLeased {
		t.Fatalf("env = %+v", env)
	}
	if env.Parsed.BodyText != "hi" {
		t.Fatalf("payload round-trip lost body: %+v", env.Parsed)
	}

	if err := q.MarkDone(ctx, env.ID); err != nil {
		t.Fatal(err)
	}
	if again, err := q.ClaimNext(ctx, "oliver", time.Minute); err != nil || again != nil {
		t.Fatalf("claim after done = %+v, %v", again, err)
	}
}

func TestEnqueue_DuplicateDedupeKeyIgnored(t *testing.T) {
	q := testQueue(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	if inserted, err := q.Enqueue(ctx, testEnvelope("dup", "oliver", now)); err != nil || !inserted {
		t.Fatalf("first enqueue: %v %v", inserted, err)
	}
	if inserted, err := q.Enqueue(ctx, testEnvelope("dup", "oliver", now)); err != nil || inserted {
		t.Fatalf("second enqueue should be ignored: %v %v", inserted, err)
	}
}

func TestClaimNext_FiltersByEmployee(t *testing.T) {
	q := testQueue(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := q.Enqueue(ctx, testEnvelope("a", "oliver", now)); err != nil {
		t.Fatal(err)
	}
	env, err := q.ClaimNext(ctx, "mia", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if env != nil {
		t.Fatalf("mia claimed oliver's envelope: %+v", env)
	}
}

func TestClaimNext_OldestFirst(t *testing.T) {
	q := testQueue(t, Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := q.Enqueue(ctx, testEnvelope("later", "oliver", base.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, testEnvelope("earlier", "oliver", base)); err != nil {
		t.Fatal(err)
	}

	env, err := q.ClaimNext(ctx, "oliver", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if env.DedupeKey != "earlier" {
		t.Fatalf("claimed %q first", env.DedupeKey)
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	// At-least-once: a claim that never completes becomes claimable again
	// once its lease expires.
	current := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := testQueue(t, Options{Now: func() time.Time { return current }})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testEnvelope("k", "oliver", current)); err != nil {
		t.Fatal(err)
	}
	first, err := q.ClaimNext(ctx, "oliver", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first claim: %+v, %v", first, err)
	}

	// Within the lease nothing is claimable.
	if env, _ := q.ClaimNext(ctx, "oliver", time.Minute); env != nil {
		t.Fatalf("claimed during live lease: %+v", env)
	}

	// After expiry the same envelope returns, attempts bumped.
	current = current.Add(2 * time.Minute)
	second, err := q.ClaimNext(ctx, "oliver", time.Minute)
	if err != nil || second == nil {
		t.Fatalf("reclaim: %+v, %v", second, err)
	}
	if second.ID != first.ID {
		t.Fatalf("different envelope reclaimed: %s vs %s", second.ID, first.ID)
	}
	if second.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", second.Attempts)
	}
}

func TestMarkFailed_RetriesThenFails(t *testing.T) {
	current := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := testQueue(t, Options{MaxAttempts: 2, Now: func() time.Time { return current }})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testEnvelope("k", "oliver", current)); err != nil {
		t.Fatal(err)
	}

	env, _ := q.ClaimNext(ctx, "oliver", time.Minute)
	if err := q.MarkFailed(ctx, env.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	got, err := q.Get(ctx, env.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.LastError != "boom" {
		t.Fatalf("after first failure: %+v", got)
	}

	env, _ = q.ClaimNext(ctx, "oliver", time.Minute)
	if env == nil {
		t.Fatal("expected retry claim")
	}
	if err := q.MarkFailed(ctx, env.ID, "boom again"); err != nil {
		t.Fatal(err)
	}
	got, err = q.Get(ctx, env.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("after final failure: %+v", got)
	}
	if env, _ := q.ClaimNext(ctx, "oliver", time.Minute); env != nil {
		t.Fatalf("failed envelope claimed: %+v", env)
	}
}

func TestDepth(t *testing.T) {
	q := testQueue(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, testEnvelope(key, "oliver", now)); err != nil {
			t.Fatal(err)
		}
	}
	env, _ := q.ClaimNext(ctx, "oliver", time.Minute)
	_ = q.MarkDone(ctx, env.ID)

	n, err := q.Depth(ctx, "oliver")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("depth = %d, want 2", n)
	}
}

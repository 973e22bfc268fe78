package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dowhiz/dowhiz/internal/blob"
	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/queue"
	"github.com/dowhiz/dowhiz/internal/route"
)

func testService(t *testing.T) (*Service, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	dedupe, err := OpenDedupe(filepath.Join(dir, "dedupe.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dedupe.Close() })
	q, err := queue.Open(filepath.Join(dir, "queue.db"), queue.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	cfg := config.Config{
		Employees: []config.Employee{{ID: "oliver", Addresses: []string{"oliver@dowhiz.com"}}},
	}
	svc := &Service{
		Router:    route.New(cfg),
		Blacklist: route.NewBlacklist([]string{"spammer@example.com"}),
		Blobs:     blobs,
		Dedupe:    dedupe,
		Queue:     q,
	}
	return svc, q
}

func inboundEmail(externalID string) channel.InboundMessage {
	return channel.InboundMessage{
		Channel:           channel.Email,
		ServiceAddress:    "oliver@dowhiz.com",
		Sender:            channel.Identifier{Type: channel.IdentEmail, Value: "alice@example.com"},
		ThreadKey:         "<" + externalID + ">",
		ExternalMessageID: externalID,
		Subject:           "Hello",
		BodyText:          "hi",
		ReceivedAt:        time.Now().UTC(),
		ReplyTo:           []string{"alice@example.com"},
	}
}

func TestAccept_EnqueuesOnce(t *testing.T) {
	svc, q := testService(t)
	ctx := context.Background()

	res, err := svc.Accept(ctx, inboundEmail("m-1"), []byte("raw"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Accepted || res.EmployeeID != "oliver" {
		t.Fatalf("res = %+v", res)
	}

	env, err := q.ClaimNext(ctx, "oliver", time.Minute)
	if err != nil || env == nil {
		t.Fatalf("claim: %+v, %v", env, err)
	}
	if env.RawBlobRef == "" {
		t.Fatal("raw blob ref missing")
	}
	if !svc.Blobs.Exists(blob.Ref(env.RawBlobRef)) {
		t.Fatal("raw payload not stored")
	}
}

func TestAccept_DuplicateIsIdempotent(t *testing.T) {
	svc, q := testService(t)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, inboundEmail("dup-1"), []byte("raw")); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Accept(ctx, inboundEmail("dup-1"), []byte("raw"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Duplicate {
		t.Fatalf("res = %+v", res)
	}

	n, err := q.Depth(ctx, "oliver")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}
}

func TestAccept_ConcurrentDuplicates(t *testing.T) {
	svc, q := testService(t)
	ctx := context.Background()

	const posts = 8
	var wg sync.WaitGroup
	accepted := make([]bool, posts)
	for i := 0; i < posts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Accept(ctx, inboundEmail("race-1"), []byte("raw"))
			if err != nil {
				t.Errorf("accept %d: %v", i, err)
				return
			}
			accepted[i] = res.Outcome == Accepted
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range accepted {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("%d accepts, want exactly 1", count)
	}
	if n, _ := q.Depth(ctx, "oliver"); n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}
}

func TestAccept_NoRoute(t *testing.T) {
	svc, q := testService(t)
	msg := inboundEmail("m-2")
	msg.ServiceAddress = "unknown@elsewhere.com"

	res, err := svc.Accept(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != NoRoute {
		t.Fatalf("res = %+v", res)
	}
	if n, _ := q.Depth(context.Background(), "oliver"); n != 0 {
		t.Fatalf("no-route message enqueued")
	}
}

func TestAccept_Blacklisted(t *testing.T) {
	svc, q := testService(t)
	msg := inboundEmail("m-3")
	msg.Sender = channel.Identifier{Type: channel.IdentEmail, Value: "spammer@example.com"}

	res, err := svc.Accept(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Dropped {
		t.Fatalf("res = %+v", res)
	}
	if n, _ := q.Depth(context.Background(), "oliver"); n != 0 {
		t.Fatalf("blacklisted message enqueued")
	}
}

func TestDedupeKey_Stable(t *testing.T) {
	a := DedupeKey(channel.Email, "t1", "mid-1")
	b := DedupeKey(channel.Email, "t1", "mid-1")
	if a != b {
		t.Fatal("dedupe key unstable")
	}
	if DedupeKey(channel.Slack, "t1", "mid-1") == a {
		t.Fatal("channel not part of key")
	}
	if DedupeKey(channel.Email, "t2", "mid-1") == a {
		t.Fatal("tenant not part of key")
	}
}

package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvats/unibox/idempotency"
)

func TestMarkerLifecycle(t *testing.T) {
	ctx := context.Background()
	g := New()
	key := idempotency.MessageKey("instagram", "mid_123")

	ok, err := g.MarkInProgress(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first MarkInProgress = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = g.MarkInProgress(ctx, key, time.Minute)
	if err != nil || ok {
		t.Fatalf("second MarkInProgress = (%v, %v), want (false, nil)", ok, err)
	}

	inProgress, err := g.InProgress(ctx, key)
	if err != nil || !inProgress {
		t.Fatalf("InProgress = (%v, %v), want (true, nil)", inProgress, err)
	}

	if err := g.MarkDone(ctx, key, time.Hour); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	done, err := g.Done(ctx, key)
	if err != nil || !done {
		t.Fatalf("Done = (%v, %v), want (true, nil)", done, err)
	}
	inProgress, _ = g.InProgress(ctx, key)
	if inProgress {
		t.Fatal("expected InProgress to be false after MarkDone")
	}
}

func TestClearAllowsRetry(t *testing.T) {
	ctx := context.Background()
	g := New()
	key := idempotency.DispatchKey("msg-1")

	if ok, _ := g.MarkInProgress(ctx, key, time.Minute); !ok {
		t.Fatal("expected first claim to succeed")
	}
	if err := g.Clear(ctx, key); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := g.MarkInProgress(ctx, key, time.Minute); !ok {
		t.Fatal("expected claim to succeed after Clear")
	}
}

func TestMarkerExpiry(t *testing.T) {
	ctx := context.Background()
	g := New()
	now := time.Now()
	g.now = func() time.Time { return now }

	key := "k"
	if ok, _ := g.MarkInProgress(ctx, key, time.Second); !ok {
		t.Fatal("expected first claim to succeed")
	}

	now = now.Add(2 * time.Second)
	if ok, _ := g.MarkInProgress(ctx, key, time.Second); !ok {
		t.Fatal("expected claim to succeed after marker expiry")
	}
}

func TestConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	g := New()
	key := idempotency.MessageKey("whatsapp", "wamid.42")

	const workers = 20
	var claimed int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.MarkInProgress(ctx, key, time.Minute)
			if err != nil {
				t.Errorf("MarkInProgress: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&claimed, 1)
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("expected exactly 1 successful claim, got %d", claimed)
	}
}

func TestWebhookKeyStable(t *testing.T) {
	a := idempotency.WebhookKey("https://example.com/hook", "message_created", "m1")
	b := idempotency.WebhookKey("https://example.com/hook", "message_created", "m1")
	c := idempotency.WebhookKey("https://example.com/hook", "message_created", "m2")
	if a != b {
		t.Fatal("expected identical inputs to produce identical keys")
	}
	if a == c {
		t.Fatal("expected different resource ids to produce different keys")
	}
}

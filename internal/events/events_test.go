package events

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryPublisherKeepsMostRecent(t *testing.T) {
	pub := NewMemoryPublisher(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := pub.Publish(ctx, Event{OperationID: id, Kind: "mine"}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	recent := pub.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	if recent[0].OperationID != "d" || recent[2].OperationID != "b" {
		t.Fatalf("unexpected order %+v", recent)
	}
	if got := pub.Recent(1); len(got) != 1 || got[0].OperationID != "d" {
		t.Fatalf("limit not applied: %+v", got)
	}

	_ = pub.Close()
	if err := pub.Publish(ctx, Event{OperationID: "e"}); err == nil {
		t.Fatalf("expected publish after close to fail")
	}
}

func TestMemoryPublisherPartialBuffer(t *testing.T) {
	pub := NewMemoryPublisher(10)
	if got := pub.Recent(5); len(got) != 0 {
		t.Fatalf("expected empty buffer, got %d", len(got))
	}
	_ = pub.Publish(context.Background(), Event{OperationID: "only"})
	if got := pub.Recent(5); len(got) != 1 || got[0].OperationID != "only" {
		t.Fatalf("unexpected events %+v", got)
	}
}

type failingPublisher struct{ closed bool }

func (f *failingPublisher) Publish(context.Context, Event) error { return stdErrors.New("boom") }
func (f *failingPublisher) Close() error {
	f.closed = true
	return nil
}

func TestMultiFansOut(t *testing.T) {
	mem := NewMemoryPublisher(4)
	bad := &failingPublisher{}
	multi := Multi{bad, nil, mem, NopPublisher{}}

	err := multi.Publish(context.Background(), Event{OperationID: "x"})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if got := multi.Recent(10); len(got) != 1 || got[0].OperationID != "x" {
		t.Fatalf("memory publisher should still receive the event, got %+v", got)
	}
	if err := multi.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bad.closed {
		t.Fatalf("expected every publisher to be closed")
	}
}

func TestEventEncode(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	payload, err := Event{OperationID: "op", Kind: "claim", TxHash: "0x1", Status: "confirmed", OccurredAt: ts}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["kind"] != "claim" || decoded["tx_hash"] != "0x1" {
		t.Fatalf("unexpected payload %s", payload)
	}
	if _, ok := decoded["wallet"]; ok {
		t.Fatalf("empty wallet should be omitted: %s", payload)
	}
}

func TestRedisPublisher(t *testing.T) {
	addr := os.Getenv("RELAYD_TEST_REDIS")
	if addr == "" {
		t.Skip("RELAYD_TEST_REDIS not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	list := "relayd:test:settlements"
	client.Del(ctx, list)
	pub := NewRedisPublisherWithClient(client, list, 2)
	defer pub.Close()

	for _, id := range []string{"1", "2", "3"} {
		if err := pub.Publish(ctx, Event{OperationID: id}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	n, err := client.LLen(ctx, list).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected list trimmed to 2, got %d", n)
	}
}

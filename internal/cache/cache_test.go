package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestClaim_OnlyFirstCallerWins(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.Claim(ctx, "alert_sent:inst-1:quick_entry", time.Hour)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = c.Claim(ctx, "alert_sent:inst-1:quick_entry", time.Hour)
	if err != nil || ok {
		t.Fatalf("second claim should lose: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("alert_sent:inst-1:quick_entry"); ttl != time.Hour {
		t.Fatalf("claim ttl: %s", ttl)
	}

	mr.FastForward(time.Hour + time.Second)
	ok, err = c.Claim(ctx, "alert_sent:inst-1:quick_entry", time.Hour)
	if err != nil || !ok {
		t.Fatalf("claim after expiry: ok=%v err=%v", ok, err)
	}
}

func TestClaim_RedisDown(t *testing.T) {
	c := NewFromRedis(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}))
	defer c.Close()

	if _, err := c.Claim(context.Background(), "k", time.Minute); err == nil {
		t.Fatal("expected error when Redis is unreachable")
	}
}

func TestGetCache_MissThenHit(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	val, err := c.GetCache(ctx, "list_instruments_abc", "/instruments", "test")
	if err != nil || val != "" {
		t.Fatalf("miss: val=%q err=%v", val, err)
	}

	if err := c.SetCache(ctx, "list_instruments_abc", `{"message":"ok"}`, 30*time.Second); err != nil {
		t.Fatalf("SetCache: %v", err)
	}
	val, err = c.GetCache(ctx, "list_instruments_abc", "/instruments", "test")
	if err != nil || val != `{"message":"ok"}` {
		t.Fatalf("hit: val=%q err=%v", val, err)
	}

	mr.FastForward(31 * time.Second)
	if val, _ := c.GetCache(ctx, "list_instruments_abc", "/instruments", "test"); val != "" {
		t.Fatalf("entry should expire, got %q", val)
	}
}

func TestInvalidateByPrefix(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"list_instruments_a", "list_instruments_b", "alert_sent:x"} {
		mr.Set(k, "v")
	}

	c.InvalidateByPrefix(ctx, "list_instruments_", "/instruments", "test")

	if mr.Exists("list_instruments_a") || mr.Exists("list_instruments_b") {
		t.Fatal("prefixed keys should be removed")
	}
	if !mr.Exists("alert_sent:x") {
		t.Fatal("other keys must survive")
	}
}

func TestPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "price_alerts")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := c.Publish(ctx, "price_alerts", "hello"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if msg.Channel != "price_alerts" || msg.Payload != "hello" {
		t.Fatalf("message: %+v", msg)
	}
}

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"onix_miner/internal/types"
)

func TestStatsCacheRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("Skipping test: TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Skip("Skipping test: redis not available")
	}
	defer client.Close()
	client.Del(ctx, statsKey)

	c := NewStatsCache(client, time.Minute)
	if _, ok, err := c.LoadStats(ctx); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	want := types.StatsMessage{Type: types.MessageGlobalStats, Online: 4, TotalMined: 12.5, CurrentBlock: 88, TotalBurned: 0.25}
	if err := c.SaveStats(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.LoadStats(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if ttl := client.TTL(ctx, statsKey).Val(); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v", ttl)
	}
}

func TestNewRedisClientBadURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "://nope"); err == nil {
		t.Error("expected parse error")
	}
}

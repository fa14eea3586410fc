package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/tvbill/internal/config"
	"github.com/rs/zerolog"
)

func setupRelay(t *testing.T, mr *miniredis.Miniredis, local Publisher) *RedisRelay {
	t.Helper()
	client, err := OpenRedis(config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		PoolSize:     4,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return NewRedisRelay(client, "tvbill:events", local, zerolog.Nop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRedisRelayDeliversAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	localA := &Recorder{}
	localB := &Recorder{}
	relayA := setupRelay(t, mr, localA)
	relayB := setupRelay(t, mr, localB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 2)
	go func() { done <- relayA.Run(ctx) }()
	go func() { done <- relayB.Run(ctx) }()

	waitFor(t, func() bool {
		return mr.PubSubNumSub("tvbill:events")["tvbill:events"] == 2
	})

	err := relayA.Publish(ctx, Event{
		Name:    SessionPaused,
		Rooms:   []string{DeviceRoom("tv-1")},
		Payload: map[string]any{"session_id": 7},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return len(localB.Named(SessionPaused)) == 1 })

	got := localB.Named(SessionPaused)[0]
	if len(got.Rooms) != 1 || got.Rooms[0] != DeviceRoom("tv-1") {
		t.Fatalf("expected rooms to survive the relay, got %v", got.Rooms)
	}

	// The origin instance delivers locally once and ignores its own echo.
	time.Sleep(50 * time.Millisecond)
	if n := len(localA.Named(SessionPaused)); n != 1 {
		t.Fatalf("expected exactly one local delivery on the origin, got %d", n)
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("relay run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("relay did not stop after cancel")
		}
	}
}

func TestRedisRelayIgnoresMalformedMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	local := &Recorder{}
	relay := setupRelay(t, mr, local)

	relay.deliver(context.Background(), "not json")
	if len(local.Events()) != 0 {
		t.Fatal("expected malformed message to be dropped")
	}
}

package redisstate

import (
	"context"
	"os"
	"testing"
	"time"
)

// testStore connects to the Redis named by VIGIL_REDIS_ADDR. The tests
// are skipped when no server is available.
func testStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("VIGIL_REDIS_ADDR")
	if addr == "" {
		t.Skip("VIGIL_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := "vigil-test-" + time.Now().Format("150405.000000")
	s, err := New(ctx, Options{Addr: addr, Prefix: prefix}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.client.Del(context.Background(), s.hashKey("events"), s.hashKey("analysis"))
		s.Close()
	})
	return s
}

func TestRedisStore_SetGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if got, err := s.Get(ctx, "analysis", "isAlert"); err != nil || got != "" {
		t.Fatalf("Get(missing) = %q, %v; want empty, nil", got, err)
	}

	if err := s.Set(ctx, "analysis", "isAlert", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "analysis", "isAlert")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "true" {
		t.Errorf("Get() = %q, want %q", got, "true")
	}
}

func TestRedisStore_SetMany(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	values := map[string]string{
		"lastEvent":        `{"id":"a"}`,
		"history_debug_00": "slot",
	}
	if err := s.SetMany(ctx, "events", values); err != nil {
		t.Fatalf("SetMany: %v", err)
	}

	got, err := s.List(ctx, "events")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for k, want := range values {
		if got[k] != want {
			t.Errorf("%s = %q, want %q", k, got[k], want)
		}
	}
}

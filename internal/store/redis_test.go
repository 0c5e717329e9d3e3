package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestIncrWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	n, err := s.IncrWithTTL(ctx, "counter", 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("first incr = %d, want 1", n)
	}

	n, err = s.IncrWithTTL(ctx, "counter", 4, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("second incr = %d, want 5", n)
	}

	if ttl := mr.TTL("counter"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v", ttl)
	}
}

func TestHashRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.HSet(ctx, "bucket", map[string]any{"tokens": "9.5", "last_refill": "1700000000000"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	fields, err := s.HGetAll(ctx, "bucket")
	if err != nil {
		t.Fatal(err)
	}
	if fields["tokens"] != "9.5" {
		t.Errorf("tokens = %q", fields["tokens"])
	}

	// Missing key is an empty map, not an error.
	fields, err = s.HGetAll(ctx, "absent")
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 0 {
		t.Errorf("absent key returned %v", fields)
	}
}

func TestSortedSetOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.ZAdd(ctx, "log",
		ZMember{Score: 100, Member: "a"},
		ZMember{Score: 200, Member: "b"},
		ZMember{Score: 300, Member: "c"},
	)
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.ZCount(ctx, "log", 150, 400)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	if err := s.ZRemRangeByScore(ctx, "log", 0, 150); err != nil {
		t.Fatal(err)
	}
	n, err = s.ZCount(ctx, "log", 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("after trim count = %d, want 2", n)
	}
}

func TestEval(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	script := NewScript("sum", `return tonumber(ARGV[1]) + tonumber(ARGV[2])`)
	res, err := s.Eval(ctx, script, nil, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.(int64) != 5 {
		t.Errorf("eval = %v, want 5", res)
	}

	// Second call exercises the cached script path.
	res, err = s.Eval(ctx, script, nil, 10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if res.(int64) != 30 {
		t.Errorf("eval = %v, want 30", res)
	}
}

func TestUnavailableSentinel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	s := NewRedisStoreFromClient(client)
	mr.Close()

	_, err := s.IncrWithTTL(context.Background(), "k", 1, time.Second)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("ping err = %v, want ErrUnavailable", err)
	}
}

func TestMGetAndDel(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Set("a", "1")
	mr.Set("b", "2")

	vals, err := s.MGet(ctx, "a", "b", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 3 || vals[0] != "1" || vals[1] != "2" || vals[2] != nil {
		t.Errorf("mget = %v", vals)
	}

	if err := s.Del(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}
	vals, _ = s.MGet(ctx, "a")
	if vals[0] != nil {
		t.Errorf("key a survived Del: %v", vals[0])
	}
}

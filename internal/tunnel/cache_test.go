package tunnel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeIsolatedClient struct {
	id            int
	fail          bool
	circuit       []string
	introspectErr error
}

func (f *fakeIsolatedClient) Connect(ctx context.Context, addr string) (Stream, error) {
	if f.fail {
		return nil, errors.New("boom")
	}
	return nil, nil
}

func (f *fakeIsolatedClient) CircuitPath() ([]string, error) {
	if f.introspectErr != nil {
		return nil, f.introspectErr
	}
	return f.circuit, nil
}

func TestCacheSingleFlight(t *testing.T) {
	c := newCache(10, time.Minute)
	defer c.stop()

	var calls int32
	const n = 50

	var wg sync.WaitGroup
	results := make([]IsolatedClient, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.getOrCreate("example.com", func() (IsolatedClient, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(5 * time.Millisecond)
				return &fakeIsolatedClient{id: 1}, nil
			})
			if err != nil {
				t.Errorf("getOrCreate error: %v", err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("create invoked %d times, want exactly 1", calls)
	}
	for i, v := range results {
		if v != results[0] {
			t.Errorf("waiter %d got a different sub-client handle", i)
		}
	}
}

func TestCacheFailEvict(t *testing.T) {
	c := newCache(10, time.Minute)
	defer c.stop()

	_, err := c.getOrCreate("example.com", func() (IsolatedClient, error) {
		return &fakeIsolatedClient{}, nil
	})
	if err != nil {
		t.Fatalf("getOrCreate error = %v", err)
	}
	if c.len() != 1 {
		t.Fatalf("cache len = %d, want 1 after successful create", c.len())
	}

	c.invalidate("example.com")
	if c.len() != 0 {
		t.Errorf("cache len = %d, want 0 after invalidate", c.len())
	}
}

func TestCacheCapacityEviction(t *testing.T) {
	c := newCache(2, time.Minute)
	defer c.stop()

	for _, key := range []string{"a.com", "b.com", "c.com"} {
		_, err := c.getOrCreate(key, func() (IsolatedClient, error) {
			return &fakeIsolatedClient{}, nil
		})
		if err != nil {
			t.Fatalf("getOrCreate(%q) error = %v", key, err)
		}
	}

	if c.len() != 2 {
		t.Errorf("cache len = %d, want 2 (capacity bound)", c.len())
	}
	if _, ok := c.lookup("a.com"); ok {
		t.Error("oldest entry a.com survived capacity eviction, want evicted")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newCache(10, 10*time.Millisecond)
	defer c.stop()

	_, err := c.getOrCreate("example.com", func() (IsolatedClient, error) {
		return &fakeIsolatedClient{}, nil
	})
	if err != nil {
		t.Fatalf("getOrCreate error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.lookup("example.com"); ok {
		t.Error("entry survived past its TTL, want expired")
	}
}

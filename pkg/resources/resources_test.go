package resources

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/reactor"
	"github.com/cuemby/hive/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	pool := reactor.NewPool("resources-test", 2, 16)
	s, err := NewServer(16, pool)
	require.NoError(t, err)
	s.Start()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = s.Serve(conn)
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		s.Stop()
		pool.Stop()
	})
	return s, ln.Addr().String()
}

func dial(t *testing.T, addr, id string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, id)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func startProvider(t *testing.T, addr string, lookup Lookup) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = Provide(ctx, addr, "provider-1", lookup) }()
	t.Cleanup(cancel)
	return cancel
}

func TestFetchFromCache(t *testing.T) {
	s, addr := startServer(t)
	s.Put("lib/a.so", []byte("aaa"))

	c := dial(t, addr, "node-1")
	resps, err := c.Fetch("lib/a.so", "lib/b.so")
	require.NoError(t, err)
	require.Len(t, resps, 2)

	assert.Equal(t, wire.ResourceResponse{Name: "lib/a.so", Data: []byte("aaa"), Found: true}, resps[0])
	assert.Equal(t, "lib/b.so", resps[1].Name)
	assert.False(t, resps[1].Found)
}

func TestFetchForwardsMissToProvider(t *testing.T) {
	s, addr := startServer(t)

	var lookups atomic.Int32
	startProvider(t, addr, func(name string) ([]byte, bool) {
		lookups.Add(1)
		if name == "conf.yaml" {
			return []byte("key: value"), true
		}
		return nil, false
	})
	require.Eventually(t, func() bool { return s.Providers() == 1 }, time.Second, 5*time.Millisecond)

	c := dial(t, addr, "node-1")
	resps, err := c.Fetch("conf.yaml", "missing")
	require.NoError(t, err)
	assert.True(t, resps[0].Found)
	assert.Equal(t, "key: value", string(resps[0].Data))
	assert.False(t, resps[1].Found)

	// The found resource is now served from the cache.
	resps, err = c.Fetch("conf.yaml")
	require.NoError(t, err)
	assert.True(t, resps[0].Found)
	assert.Equal(t, int32(2), lookups.Load())

	data, ok := s.Get("conf.yaml")
	assert.True(t, ok)
	assert.Equal(t, "key: value", string(data))
}

func TestConcurrentLookupsShareOneForward(t *testing.T) {
	s, addr := startServer(t)

	release := make(chan struct{})
	var lookups atomic.Int32
	startProvider(t, addr, func(name string) ([]byte, bool) {
		lookups.Add(1)
		<-release
		return []byte("shared"), true
	})
	require.Eventually(t, func() bool { return s.Providers() == 1 }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	results := make([]wire.ResourceResponse, 3)
	for i := range results {
		c := dial(t, addr, "node")
		wg.Add(1)
		go func() {
			defer wg.Done()
			resps, err := c.Fetch("big.bin")
			if err == nil {
				results[i] = resps[0]
			}
		}()
	}

	require.Eventually(t, func() bool { return lookups.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Let the other requests queue up behind the first forward.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.True(t, r.Found)
		assert.Equal(t, "shared", string(r.Data))
	}
	assert.Equal(t, int32(1), lookups.Load())
}

func TestProviderLostAnswersNotFound(t *testing.T) {
	s, addr := startServer(t)

	asked := make(chan struct{})
	var once sync.Once
	cancel := startProvider(t, addr, func(string) ([]byte, bool) {
		once.Do(func() { close(asked) })
		time.Sleep(time.Second)
		return nil, false
	})
	require.Eventually(t, func() bool { return s.Providers() == 1 }, time.Second, 5*time.Millisecond)

	c := dial(t, addr, "node-1")
	done := make(chan []wire.ResourceResponse, 1)
	go func() {
		resps, err := c.Fetch("orphan")
		if err == nil {
			done <- resps
		}
	}()

	<-asked
	cancel()

	select {
	case resps := <-done:
		assert.False(t, resps[0].Found)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup not answered after provider loss")
	}
	assert.Zero(t, s.Providers())
}

func TestBatchFill(t *testing.T) {
	b := &batch{
		responses: []wire.ResourceResponse{{Name: "a"}, {Name: "b"}, {Name: "a"}},
		answered:  []bool{false, true, false},
		missing:   2,
	}
	b.fill(wire.ResourceResponse{Name: "a", Data: []byte("x"), Found: true})

	assert.Zero(t, b.missing)
	assert.True(t, b.responses[0].Found)
	assert.True(t, b.responses[2].Found)
	assert.False(t, b.responses[1].Found)
}

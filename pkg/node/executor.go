package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownExecutor is returned for tasks of a kind no executor handles.
var ErrUnknownExecutor = errors.New("unknown task kind")

// Executor runs one task payload.
type Executor func(ctx context.Context, payload []byte) ([]byte, error)

// Executors is the registry of task kinds a node can run.
type Executors struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewExecutors returns a registry holding the built-in executors. The
// resource executor looks names up through n.
func NewExecutors(n *Node) *Executors {
	e := &Executors{executors: make(map[string]Executor)}
	e.Register("echo", echo)
	e.Register("sleep", sleep)
	e.Register("sha256", digest)
	if n != nil {
		e.Register("resource", n.fetchResource)
	}
	return e
}

// Register adds or replaces an executor.
func (e *Executors) Register(kind string, fn Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executors[kind] = fn
}

// Kinds returns the registered kinds, sorted.
func (e *Executors) Kinds() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	kinds := make([]string, 0, len(e.executors))
	for k := range e.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Run executes a payload with the executor registered for kind. Panics
// become errors.
func (e *Executors) Run(ctx context.Context, kind string, payload []byte) (out []byte, err error) {
	e.mu.RLock()
	fn, ok := e.executors[kind]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, kind)
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("executor %q panicked: %v", kind, r)
		}
	}()
	return fn(ctx, payload)
}

func echo(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

// sleep waits for the duration in the payload, e.g. "250ms".
func sleep(ctx context.Context, payload []byte) ([]byte, error) {
	d, err := time.ParseDuration(string(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid duration: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
		return payload, nil
	}
}

func digest(_ context.Context, payload []byte) ([]byte, error) {
	sum := sha256.Sum256(payload)
	return []byte(hex.EncodeToString(sum[:])), nil
}

// fetchResource returns the resource named by the payload.
func (n *Node) fetchResource(_ context.Context, payload []byte) ([]byte, error) {
	resps, err := n.FetchResources(string(payload))
	if err != nil {
		return nil, err
	}
	if !resps[0].Found {
		return nil, fmt.Errorf("resource %q not found", payload)
	}
	return resps[0].Data, nil
}

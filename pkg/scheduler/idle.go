package scheduler

import (
	"sort"
	"sync"
)

// IdleSet is the set of worker channels that can take more work. Channels
// add themselves when they finish a handshake or return results, and remove
// themselves when they reach capacity or fail, while holding their own
// context lock. The set never calls into a channel while locked.
type IdleSet struct {
	mu    sync.Mutex
	nodes map[string]Node
	// onAdd is run after a channel joins the set.
	onAdd func()
}

// NewIdleSet creates an empty set.
func NewIdleSet() *IdleSet {
	return &IdleSet{nodes: make(map[string]Node)}
}

// OnAdd installs a callback run, outside the lock, whenever a channel is
// added.
func (s *IdleSet) OnAdd(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAdd = fn
}

// Add inserts a channel. Adding a channel already present is a no-op.
func (s *IdleSet) Add(n Node) {
	s.mu.Lock()
	_, exists := s.nodes[n.UUID()]
	s.nodes[n.UUID()] = n
	fn := s.onAdd
	s.mu.Unlock()

	if !exists && fn != nil {
		fn()
	}
}

// Remove deletes a channel and reports whether it was present.
func (s *IdleSet) Remove(nodeUUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.nodes[nodeUUID]
	delete(s.nodes, nodeUUID)
	return ok
}

// Contains reports whether a channel is in the set.
func (s *IdleSet) Contains(nodeUUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[nodeUUID]
	return ok
}

// Snapshot returns the channels ordered by uuid.
func (s *IdleSet) Snapshot() []Node {
	s.mu.Lock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UUID() < out[j].UUID() })
	return out
}

// Len returns the number of idle channels.
func (s *IdleSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

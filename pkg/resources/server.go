package resources

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/reactor"
	"github.com/cuemby/hive/pkg/types"
	"github.com/cuemby/hive/pkg/wire"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// DefaultCacheSize is the number of resources kept in memory.
const DefaultCacheSize = 1024

// ErrProviderLost is recorded on lookups whose provider disconnected before
// answering.
var ErrProviderLost = errors.New("resource provider disconnected")

// Context is a connection of the resource protocol family: either a node
// looking resources up or a provider serving them.
type Context struct {
	reactor.ConnContext

	// Guarded by the connection lock.
	role  types.NodeRole
	batch *batch
}

// batch is a lookup request waiting for answers from a provider.
type batch struct {
	responses []wire.ResourceResponse
	answered  []bool
	missing   int
}

func (b *batch) fill(resp wire.ResourceResponse) {
	for i := range b.responses {
		if !b.answered[i] && b.responses[i].Name == resp.Name {
			b.responses[i] = resp
			b.answered[i] = true
			b.missing--
		}
	}
}

// Server answers resource lookups from an in-memory LRU cache and forwards
// misses to a provider connection.
type Server struct {
	cache   *lru.Cache
	pool    *reactor.Pool
	reactor *reactor.Reactor[*Context]
	logger  zerolog.Logger

	mu        sync.Mutex
	providers []*Context
	next      int
	waiting   map[string][]*Context
	forwarded map[string]*Context
}

// NewServer creates a resource server. Hand-off work runs on pool.
func NewServer(cacheSize int, pool *reactor.Pool) (*Server, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource cache: %w", err)
	}
	s := &Server{
		cache:     cache,
		pool:      pool,
		logger:    log.WithComponent("resources"),
		waiting:   make(map[string][]*Context),
		forwarded: make(map[string]*Context),
	}
	s.reactor = reactor.New(s.protocol(), pool)
	return s, nil
}

// Start launches the reactor loop.
func (s *Server) Start() {
	s.reactor.Start()
}

// Stop closes every resource connection.
func (s *Server) Stop() {
	s.reactor.Stop()
}

// Serve registers an accepted connection. The peer must open with a
// handshake naming its role.
func (s *Server) Serve(conn net.Conn) error {
	return s.reactor.Register(&Context{}, conn, reactor.To(reactor.StateWaitInitialResponse, reactor.InterestRead))
}

// Put stores a resource in the cache.
func (s *Server) Put(name string, data []byte) {
	s.cache.Add(name, data)
}

// Get returns a cached resource.
func (s *Server) Get(name string) ([]byte, bool) {
	v, ok := s.cache.Get(name)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// CacheLen returns the number of cached resources.
func (s *Server) CacheLen() int {
	return s.cache.Len()
}

// Providers returns the number of connected providers.
func (s *Server) Providers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.providers)
}

func (s *Server) protocol() reactor.Protocol[*Context] {
	return reactor.Protocol[*Context]{
		Name: "resources",
		Handlers: map[reactor.State]reactor.Handler[*Context]{
			reactor.StateWaitInitialResponse: s.handshake,
			reactor.StateIdle: func(c *Context) (reactor.Transition, error) {
				if c.role == types.NodeRoleProvider {
					return s.providerStep(c)
				}
				return s.lookup(c)
			},
			reactor.StateSend: func(c *Context) (reactor.Transition, error) {
				if c.role == types.NodeRoleProvider {
					return s.providerStep(c)
				}
				done, err := c.FlushLocked()
				if err != nil || !done {
					return reactor.To(reactor.StateSend, reactor.InterestWrite), err
				}
				return reactor.To(reactor.StateIdle, reactor.InterestRead), nil
			},
			// A node waiting for a provider answer does no I/O. Its state
			// changes when the answer is delivered.
			reactor.StateWaitResponse: func(c *Context) (reactor.Transition, error) {
				return reactor.To(reactor.StateWaitResponse, reactor.InterestNone), nil
			},
		},
		OnClose: s.onClose,
	}
}

func (s *Server) handshake(c *Context) (reactor.Transition, error) {
	data, ok, err := c.ReadMessageLocked()
	if err != nil {
		return reactor.Transition{}, err
	}
	if !ok {
		return reactor.To(reactor.StateWaitInitialResponse, reactor.InterestRead), nil
	}
	hs, err := wire.DecodeAs[*wire.Handshake](data)
	if err != nil {
		return reactor.Transition{}, err
	}
	c.role = hs.Role
	c.SetUUIDLocked(hs.UUID)
	if hs.Role == types.NodeRoleProvider {
		s.mu.Lock()
		s.providers = append(s.providers, c)
		s.mu.Unlock()
		s.logger.Info().Str("provider_uuid", hs.UUID).Msg("Resource provider connected")
	}
	return reactor.To(reactor.StateIdle, reactor.InterestRead), nil
}

// lookup reads one batched request from a node and answers what it can from
// the cache. Misses go to a provider and the node waits for the answers.
func (s *Server) lookup(c *Context) (reactor.Transition, error) {
	frames, ok, err := c.ReadCompositeLocked()
	if err != nil {
		return reactor.Transition{}, err
	}
	if !ok {
		return reactor.To(reactor.StateIdle, reactor.InterestRead), nil
	}

	b := &batch{
		responses: make([]wire.ResourceResponse, len(frames)),
		answered:  make([]bool, len(frames)),
	}
	forward := make(map[string]*Context)
	for i, f := range frames {
		req, err := wire.DecodeAs[*wire.ResourceRequest](f)
		if err != nil {
			return reactor.Transition{}, err
		}
		b.responses[i].Name = req.Name
		if data, hit := s.Get(req.Name); hit {
			metrics.ResourceLookups.WithLabelValues("hit").Inc()
			b.responses[i] = wire.ResourceResponse{Name: req.Name, Data: data, Found: true}
			b.answered[i] = true
			continue
		}
		provider, first := s.await(req.Name, c)
		if provider == nil {
			metrics.ResourceLookups.WithLabelValues("miss").Inc()
			b.answered[i] = true
			continue
		}
		metrics.ResourceLookups.WithLabelValues("forwarded").Inc()
		b.missing++
		if first {
			forward[req.Name] = provider
		}
	}

	if b.missing == 0 {
		frame, err := wire.Composite(b.responses)
		if err != nil {
			return reactor.Transition{}, err
		}
		c.EnqueueLocked(frame)
		return reactor.To(reactor.StateSend, reactor.InterestWrite), nil
	}

	c.batch = b
	for name, provider := range forward {
		frame, err := wire.Frame(wire.ResourceRequest{Name: name})
		if err != nil {
			return reactor.Transition{}, err
		}
		provider.DeliverFrom(frame, []reactor.State{reactor.StateIdle}, reactor.To(reactor.StateSend, reactor.InterestReadWrite))
	}
	return reactor.To(reactor.StateWaitResponse, reactor.InterestNone), nil
}

// await records c as waiting for name. It returns the provider asked for
// the resource, and whether this call is the one that must forward the
// request. A nil provider means nobody can serve it.
func (s *Server) await(name string, c *Context) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.forwarded[name]; ok {
		s.waiting[name] = append(s.waiting[name], c)
		return p, false
	}
	if len(s.providers) == 0 {
		return nil, false
	}
	p := s.providers[s.next%len(s.providers)]
	s.next++
	s.forwarded[name] = p
	s.waiting[name] = append(s.waiting[name], c)
	return p, true
}

// providerStep flushes requests queued for a provider and reads its
// answers.
func (s *Server) providerStep(c *Context) (reactor.Transition, error) {
	if c.HasOutgoingLocked() {
		if _, err := c.FlushLocked(); err != nil {
			return reactor.Transition{}, err
		}
	}
	for c.ReadableLocked() {
		data, ok, err := c.ReadMessageLocked()
		if err != nil {
			return reactor.Transition{}, err
		}
		if !ok {
			break
		}
		resp, err := wire.DecodeAs[*wire.ResourceResponse](data)
		if err != nil {
			return reactor.Transition{}, err
		}
		if resp.Found {
			s.Put(resp.Name, resp.Data)
		}
		s.resolve(*resp)
	}
	if c.HasOutgoingLocked() {
		return reactor.To(reactor.StateSend, reactor.InterestReadWrite), nil
	}
	return reactor.To(reactor.StateIdle, reactor.InterestRead), nil
}

// resolve hands an answer to every node waiting for it. Delivery runs on
// the pool so that no node lock is taken under the provider's.
func (s *Server) resolve(resp wire.ResourceResponse) {
	s.mu.Lock()
	waiters := s.waiting[resp.Name]
	delete(s.waiting, resp.Name)
	delete(s.forwarded, resp.Name)
	s.mu.Unlock()

	for _, w := range waiters {
		s.handOff(func() { s.answer(w, resp) })
	}
}

func (s *Server) answer(c *Context, resp wire.ResourceResponse) {
	c.Lock()
	b := c.batch
	if b == nil {
		c.Unlock()
		return
	}
	b.fill(resp)
	if b.missing > 0 {
		c.Unlock()
		return
	}
	c.batch = nil
	c.Unlock()

	frame, err := wire.Composite(b.responses)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode resource response")
		s.reactor.Close(c, err)
		return
	}
	c.Deliver(frame, reactor.StateWaitResponse, reactor.To(reactor.StateSend, reactor.InterestWrite))
}

func (s *Server) handOff(fn func()) {
	if err := s.pool.Submit(fn); err != nil {
		go fn()
	}
}

func (s *Server) onClose(c *Context, _ error) {
	s.mu.Lock()
	var orphaned []string
	if c.role == types.NodeRoleProvider {
		for i, p := range s.providers {
			if p == c {
				s.providers = append(s.providers[:i], s.providers[i+1:]...)
				break
			}
		}
		for name, p := range s.forwarded {
			if p == c {
				orphaned = append(orphaned, name)
			}
		}
	} else {
		for name, waiters := range s.waiting {
			kept := waiters[:0]
			for _, w := range waiters {
				if w != c {
					kept = append(kept, w)
				}
			}
			s.waiting[name] = kept
		}
	}
	s.mu.Unlock()

	if len(orphaned) > 0 {
		s.logger.Warn().Err(ErrProviderLost).Int("pending", len(orphaned)).Msg("Answering pending lookups as not found")
	}
	for _, name := range orphaned {
		s.resolve(wire.ResourceResponse{Name: name})
	}
}

package loadbalancer

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/types"
)

const (
	// Manual is the name of the fixed-size strategy.
	Manual = "manual"

	// Proportional is the name of the strategy that sizes bundles after the
	// relative speed of each channel.
	Proportional = "proportional"
)

var (
	// ErrUnknownStrategy is returned when looking up an unregistered name.
	ErrUnknownStrategy = errors.New("unknown load-balancing strategy")

	// ErrInvalidSize is returned when a strategy computes a non-positive size.
	ErrInvalidSize = errors.New("load balancer returned a non-positive bundle size")
)

// ChannelInfo is the view of a worker connection a strategy can use.
type ChannelInfo interface {
	UUID() string
	MaxJobs() int
	RoundTrips() []time.Duration
}

// Strategy decides how many tasks to hand a channel in one dispatch. An
// instance belongs to a single channel and is disposed when it closes.
type Strategy interface {
	NextBundleSize(ch ChannelInfo, job *types.Job) (int, error)
	Feedback(size int, rtt time.Duration)
	Dispose()
}

// Persistent is implemented by strategies whose learned state survives the
// connection, keyed by channel identity.
type Persistent interface {
	State() ([]byte, error)
	Restore(state []byte) error
}

// Params are the string-valued settings of a strategy, as read from the
// configuration file.
type Params map[string]string

// Int returns an integer parameter or def when it is absent or invalid.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Config names the strategy every worker channel gets and its parameters.
type Config struct {
	Algorithm string `yaml:"algorithm"`
	Params    Params `yaml:"params"`
}

// DefaultConfig returns the proportional strategy with its default
// parameters.
func DefaultConfig() Config {
	return Config{Algorithm: Proportional}
}

// Factory creates a strategy instance.
type Factory func(params Params) (Strategy, error)

// Registry resolves strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(Manual, newManual)
	r.Register(Proportional, newProportionalFactory())
	return r
}

// Register adds or replaces a named factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a strategy by name.
func (r *Registry) New(name string, params Params) (Strategy, error) {
	f, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create strategy %q: %w", name, err)
	}
	return s, nil
}

// BundleSize asks s for the next bundle size, converting panics and
// non-positive answers into errors.
func BundleSize(s Strategy, ch ChannelInfo, job *types.Job) (size int, err error) {
	defer func() {
		if r := recover(); r != nil {
			size, err = 0, fmt.Errorf("load balancer panicked: %v", r)
		}
	}()
	size, err = s.NextBundleSize(ch, job)
	if err != nil {
		return 0, err
	}
	if size < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return size, nil
}

// Fallback returns the strategy used when a channel's own strategy fails.
func Fallback() Strategy {
	return &manual{size: 1}
}

type manual struct {
	size int
}

func newManual(params Params) (Strategy, error) {
	size := params.Int("size", 1)
	if size < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return &manual{size: size}, nil
}

func (m *manual) NextBundleSize(ChannelInfo, *types.Job) (int, error) {
	return m.size, nil
}

func (m *manual) Feedback(int, time.Duration) {}

func (m *manual) Dispose() {}

package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/reactor"
	"github.com/rs/zerolog"
)

// ErrProbeTimeout is returned when no response to a probe arrived in time.
var ErrProbeTimeout = errors.New("heartbeat probe timed out")

// Config contains the heartbeat settings.
type Config struct {
	// Interval is the time between probes of the same target
	Interval time.Duration `yaml:"interval"`

	// Timeout is the maximum time to wait for a probe response
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of consecutive failed probes after which the
	// target is declared failed
	MaxRetries int `yaml:"maxRetries"`
}

// DefaultConfig returns a Config with the default settings
func DefaultConfig() Config {
	return Config{
		Interval:   time.Second,
		Timeout:    time.Second,
		MaxRetries: 3,
	}
}

// Result represents the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Status tracks the liveness of one target
type Status struct {
	ConsecutiveFailures int
	LastCheck           time.Time
	LastResult          Result
	Healthy             bool
	StartedAt           time.Time
}

// NewStatus creates a Status for a target that is assumed alive.
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update records a probe result.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= config.MaxRetries {
		s.Healthy = false
	}
}

// Prober sends one probe to a target and waits for the matching response.
// It must return once ctx is done.
type Prober interface {
	Probe(ctx context.Context, messageID uint64) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, messageID uint64) error

func (f ProberFunc) Probe(ctx context.Context, messageID uint64) error { return f(ctx, messageID) }

type target struct {
	id      string
	prober  Prober
	status  *Status
	probing bool
	// next is when the target is due for a probe. Zero means now.
	next time.Time
}

// Monitor periodically probes registered targets and reports those that
// stopped answering.
type Monitor struct {
	cfg       Config
	seq       atomic.Uint64
	pool      *reactor.Pool
	onFailure func(id string, err error)
	logger    zerolog.Logger

	mu      sync.Mutex
	targets map[string]*target

	ctx      context.Context
	cancel   context.CancelFunc
	kickCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor. onFailure is called once per failed target,
// after the target has been unregistered.
func NewMonitor(cfg Config, onFailure func(id string, err error)) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:       cfg,
		pool:      reactor.NewPool("heartbeat", 4, 256),
		onFailure: onFailure,
		logger:    log.WithComponent("heartbeat"),
		targets:   make(map[string]*target),
		ctx:       ctx,
		cancel:    cancel,
		kickCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}
}

// Config returns the effective settings.
func (m *Monitor) Config() Config {
	return m.cfg
}

// NextMessageID returns a new probe id. Ids increase monotonically.
func (m *Monitor) NextMessageID() uint64 {
	return m.seq.Add(1)
}

// Register starts monitoring a target, replacing any target with the same
// id. The first probe is sent right away.
func (m *Monitor) Register(id string, prober Prober) {
	m.mu.Lock()
	m.targets[id] = &target{id: id, prober: prober, status: NewStatus()}
	m.mu.Unlock()
	m.kick()
}

func (m *Monitor) kick() {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

// Unregister stops monitoring a target.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, id)
}

// Status returns a copy of a target's status.
func (m *Monitor) Status(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return Status{}, false
	}
	return *t.status, true
}

// Len returns the number of monitored targets.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets)
}

// Start runs the probe timer.
func (m *Monitor) Start() {
	go m.run()
}

// Stop ends probing. In-flight probes are abandoned without counting as
// failures.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
	})
	<-m.doneCh
	m.pool.Stop()
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	// Targets are due Interval after their last probe started; the ticker
	// only bounds how late a due probe can be sent.
	resolution := max(m.cfg.Interval/4, time.Millisecond)
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	m.tick()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-m.kickCh:
		}
		m.tick()
	}
}

func (m *Monitor) tick() {
	now := time.Now()
	m.mu.Lock()
	var due []*target
	for _, t := range m.targets {
		if t.probing || now.Before(t.next) {
			continue
		}
		t.probing = true
		due = append(due, t)
	}
	m.mu.Unlock()

	for _, t := range due {
		if err := m.pool.Submit(func() { m.probe(t) }); err != nil {
			m.mu.Lock()
			t.probing = false
			m.mu.Unlock()
			m.logger.Warn().Err(err).Str("target", t.id).Msg("Heartbeat probe skipped")
		}
	}
}

func (m *Monitor) probe(t *target) {
	id := m.NextMessageID()
	start := time.Now()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Timeout)
	err := t.prober.Probe(ctx, id)
	cancel()

	if m.ctx.Err() != nil {
		return
	}

	result := Result{Healthy: err == nil, CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		result.Message = err.Error()
		metrics.HeartbeatProbeFailures.Inc()
	}

	m.mu.Lock()
	t.probing = false
	t.next = start.Add(m.cfg.Interval)
	overdue := !time.Now().Before(t.next)
	t.status.Update(result, m.cfg)
	failures := t.status.ConsecutiveFailures
	failed := !t.status.Healthy && m.targets[t.id] == t
	if failed {
		delete(m.targets, t.id)
	}
	m.mu.Unlock()

	if overdue && !failed {
		m.kick()
	}

	if err != nil {
		m.logger.Debug().Err(err).
			Str("target", t.id).
			Uint64("message_id", id).
			Int("failures", failures).
			Msg("Heartbeat probe failed")
	}
	if failed {
		m.logger.Warn().
			Str("target", t.id).
			Int("failures", failures).
			Msg("Target stopped answering heartbeats")
		if m.onFailure != nil {
			m.onFailure(t.id, fmt.Errorf("%d consecutive heartbeat failures: %w", failures, err))
		}
	}
}

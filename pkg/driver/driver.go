package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/heartbeat"
	"github.com/cuemby/hive/pkg/loadbalancer"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/node"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/reactor"
	"github.com/cuemby/hive/pkg/resources"
	"github.com/cuemby/hive/pkg/scheduler"
	"github.com/cuemby/hive/pkg/storage"
	"github.com/cuemby/hive/pkg/types"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAtCapacity is returned when dispatching to a node that already runs
	// MaxJobs bundles.
	ErrAtCapacity = errors.New("node at capacity")

	// ErrNodeUnavailable is returned when dispatching to a node that is
	// failing or closed.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrDuplicateNode is returned when a node connects with the uuid of a
	// node that is still connected.
	ErrDuplicateNode = errors.New("node already connected")

	// ErrUnknownNode is returned when a heartbeat connection names a node
	// that has no data connection.
	ErrUnknownNode = errors.New("unknown node")

	// ErrJobNotFound is returned for operations on a job the driver does
	// not know.
	ErrJobNotFound = errors.New("job not found")

	// ErrBundleTimeout is the failure cause of a node holding a bundle
	// longer than its job's dispatch timeout.
	ErrBundleTimeout = errors.New("bundle timed out")

	// ErrHeartbeatLost is the failure cause of a node whose heartbeat
	// stopped.
	ErrHeartbeatLost = errors.New("heartbeat lost")
)

// Config holds driver configuration
type Config struct {
	UUID              string        `yaml:"uuid"`
	NodeAddr          string        `yaml:"nodeAddr"`
	HeartbeatAddr     string        `yaml:"heartbeatAddr"`
	ResourceAddr      string        `yaml:"resourceAddr"`
	Peers             []string      `yaml:"peers"`
	PeerMaxJobs       int           `yaml:"peerMaxJobs"`
	LocalNode         bool          `yaml:"localNode"`
	PersistJobs       bool          `yaml:"persistJobs"`
	PoolSize          int           `yaml:"poolSize"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	ResourceCacheSize int           `yaml:"resourceCacheSize"`
	MetricsInterval   time.Duration `yaml:"metricsInterval"`

	Scheduler    scheduler.Config    `yaml:"-"`
	Heartbeat    heartbeat.Config    `yaml:"-"`
	LoadBalancer loadbalancer.Config `yaml:"-"`
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{
		NodeAddr:          ":11111",
		HeartbeatAddr:     ":11112",
		ResourceAddr:      ":11113",
		PeerMaxJobs:       4,
		PoolSize:          8,
		SweepInterval:     time.Second,
		ResourceCacheSize: resources.DefaultCacheSize,
		MetricsInterval:   15 * time.Second,
		Scheduler:         scheduler.Config{IdleBackoff: scheduler.DefaultIdleBackoff},
		Heartbeat:         heartbeat.DefaultConfig(),
		LoadBalancer:      loadbalancer.DefaultConfig(),
	}
}

// Driver accepts jobs and distributes their tasks over the connected nodes.
type Driver struct {
	cfg    Config
	uuid   string
	logger zerolog.Logger

	store        storage.Store
	broker       *events.Broker
	registry     *loadbalancer.Registry
	pool         *reactor.Pool
	nodes        *reactor.Reactor[*NodeContext]
	heartbeats   *reactor.Reactor[*heartbeat.Context]
	resources    *resources.Server
	queue        *queue.JobQueue
	idle         *scheduler.IdleSet
	reservations *scheduler.ReservationHandler
	scheduler    *scheduler.Scheduler
	monitor      *heartbeat.Monitor
	collector    *metrics.Collector

	mu         sync.RWMutex
	byUUID     map[string]*NodeContext
	hbByUUID   map[string]*heartbeat.Context
	jobs       map[string]*types.Job
	finished   *lru.Cache
	listeners  []net.Listener
	ports      ports
	startedAt  time.Time
	stopping   bool
	group      *errgroup.Group
	cancel     context.CancelFunc
	stopOnce   sync.Once
	localNodes []*node.Node
}

type ports struct {
	node, heartbeat, resource int
}

// New creates a driver. The driver owns store, which may be nil, and closes
// it on Stop.
func New(cfg Config, store storage.Store) (*Driver, error) {
	def := DefaultConfig()
	if cfg.UUID == "" {
		cfg.UUID = uuid.New().String()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PeerMaxJobs <= 0 {
		cfg.PeerMaxJobs = def.PeerMaxJobs
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.LoadBalancer.Algorithm == "" {
		cfg.LoadBalancer = def.LoadBalancer
	}

	d := &Driver{
		cfg:          cfg,
		uuid:         cfg.UUID,
		logger:       log.WithComponent("driver"),
		store:        store,
		broker:       events.NewBroker(),
		registry:     loadbalancer.NewRegistry(),
		pool:         reactor.NewPool("driver", cfg.PoolSize, 1024),
		queue:        queue.New(),
		idle:         scheduler.NewIdleSet(),
		reservations: scheduler.NewReservationHandler(),
		byUUID:       make(map[string]*NodeContext),
		hbByUUID:     make(map[string]*heartbeat.Context),
		jobs:         make(map[string]*types.Job),
	}
	if _, ok := d.registry.Get(cfg.LoadBalancer.Algorithm); !ok {
		d.pool.Stop()
		return nil, fmt.Errorf("%w: %q", loadbalancer.ErrUnknownStrategy, cfg.LoadBalancer.Algorithm)
	}

	finished, err := lru.New(finishedJobs)
	if err != nil {
		d.pool.Stop()
		return nil, err
	}
	d.finished = finished

	res, err := resources.NewServer(cfg.ResourceCacheSize, d.pool)
	if err != nil {
		d.pool.Stop()
		return nil, err
	}
	d.resources = res

	d.nodes = reactor.New(d.nodeProtocol(), d.pool)
	d.heartbeats = reactor.New(heartbeat.NewProtocol(heartbeat.Handlers{
		OnHandshake: d.onHeartbeatHandshake,
		OnClose:     d.onHeartbeatClose,
	}), d.pool)
	d.monitor = heartbeat.NewMonitor(cfg.Heartbeat, d.onHeartbeatFailure)

	d.scheduler = scheduler.New(cfg.Scheduler, d.queue, d.idle, d.reservations)
	d.scheduler.SetBroker(d.broker)
	d.scheduler.SetGridState(d.gridState)
	d.scheduler.SetJobLookup(d.Job)
	d.idle.OnAdd(d.scheduler.Wakeup)
	d.queue.OnChange(d.scheduler.Wakeup)

	d.collector = metrics.NewCollector(d.Stats, cfg.MetricsInterval)
	return d, nil
}

// UUID returns the driver identity.
func (d *Driver) UUID() string {
	return d.uuid
}

// Broker returns the driver's event broker.
func (d *Driver) Broker() *events.Broker {
	return d.broker
}

// Registry returns the load-balancer registry. Strategies registered
// before Start can be selected by name in the configuration.
func (d *Driver) Registry() *loadbalancer.Registry {
	return d.registry
}

// Resources returns the resource server.
func (d *Driver) Resources() *resources.Server {
	return d.resources
}

// NodeAddr returns the address nodes connect to, once started.
func (d *Driver) NodeAddr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.listeners) == 0 {
		return ""
	}
	return d.listeners[0].Addr().String()
}

// Start recovers persisted jobs, opens the listeners and starts every
// component.
func (d *Driver) Start() error {
	metrics.RegisterComponent("reactor", false, "starting")
	metrics.RegisterComponent("scheduler", false, "starting")
	metrics.RegisterComponent("storage", true, storageMessage(d.store))

	if d.cfg.PersistJobs && d.store != nil {
		if err := d.recoverJobs(); err != nil {
			metrics.UpdateComponent("storage", false, err.Error())
			return fmt.Errorf("failed to recover jobs: %w", err)
		}
	}

	addrs := []string{d.cfg.NodeAddr, d.cfg.HeartbeatAddr, d.cfg.ResourceAddr}
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	d.listeners = listeners
	d.ports = ports{
		node:      listenPort(listeners[0]),
		heartbeat: listenPort(listeners[1]),
		resource:  listenPort(listeners[2]),
	}
	d.startedAt = time.Now()
	d.group = g
	d.cancel = cancel
	d.mu.Unlock()

	d.broker.Start()
	d.nodes.Start()
	d.heartbeats.Start()
	d.resources.Start()
	d.monitor.Start()
	d.scheduler.Start()
	d.collector.Start()

	g.Go(func() error { return d.acceptLoop(ctx, listeners[0], d.ServeNode) })
	g.Go(func() error { return d.acceptLoop(ctx, listeners[1], d.ServeHeartbeat) })
	g.Go(func() error { return d.acceptLoop(ctx, listeners[2], d.resources.Serve) })
	g.Go(func() error { return d.sweepLoop(ctx) })

	for _, addr := range d.cfg.Peers {
		d.startPeer(ctx, g, addr)
	}
	if d.cfg.LocalNode {
		d.startLocalNode(ctx, g)
	}

	metrics.UpdateComponent("reactor", true, "")
	metrics.UpdateComponent("scheduler", true, "")
	metrics.SetGridSource(d.Stats)
	d.logger.Info().
		Str("driver_uuid", d.uuid).
		Str("node_addr", listeners[0].Addr().String()).
		Int("heartbeat_port", d.ports.heartbeat).
		Int("resource_port", d.ports.resource).
		Msg("Driver started")
	return nil
}

// Stop shuts the driver down. Outstanding bundles are returned to their
// jobs, which stay persisted when job persistence is on.
func (d *Driver) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopping = true
		cancel, g, listeners := d.cancel, d.group, d.listeners
		d.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for _, ln := range listeners {
			ln.Close()
		}
		if g != nil {
			if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
				d.logger.Warn().Err(gerr).Msg("Driver goroutine failed")
			}
		}

		if g != nil {
			d.scheduler.Stop()
			d.collector.Stop()
			d.monitor.Stop()
		}
		d.nodes.Stop()
		d.heartbeats.Stop()
		d.resources.Stop()
		d.pool.Stop()
		d.broker.Stop()

		metrics.SetGridSource(nil)
		metrics.UpdateComponent("reactor", false, "stopped")
		metrics.UpdateComponent("scheduler", false, "stopped")

		if d.store != nil {
			if cerr := d.store.Close(); cerr != nil {
				err = fmt.Errorf("failed to close store: %w", cerr)
			}
		}
		d.logger.Info().Msg("Driver stopped")
	})
	return err
}

func (d *Driver) isStopping() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stopping
}

func (d *Driver) acceptLoop(ctx context.Context, ln net.Listener, serve func(net.Conn) error) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept on %s: %w", ln.Addr(), err)
		}
		if err := serve(conn); err != nil {
			d.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Failed to register connection")
			conn.Close()
		}
	}
}

// ServeNode registers a node data connection. The node must open with its
// handshake.
func (d *Driver) ServeNode(conn net.Conn) error {
	return d.nodes.Register(newNodeContext(d), conn, initialTransition)
}

// ServeHeartbeat registers a heartbeat connection.
func (d *Driver) ServeHeartbeat(conn net.Conn) error {
	c := heartbeat.NewContext(d.monitor.Config())
	return d.heartbeats.Register(c, conn, initialTransition)
}

// handOff runs fn on the pool, or on its own goroutine when the pool queue
// is full.
func (d *Driver) handOff(fn func()) {
	if err := d.pool.Submit(fn); err != nil {
		if errors.Is(err, reactor.ErrPoolStopped) {
			fn()
			return
		}
		go fn()
	}
}

func (d *Driver) startLocalNode(ctx context.Context, g *errgroup.Group) {
	n := node.New(node.Config{
		UUID:       d.uuid + "-local",
		DriverAddr: loopback(d.NodeAddr()),
		Local:      true,
	})
	d.mu.Lock()
	d.localNodes = append(d.localNodes, n)
	d.mu.Unlock()
	g.Go(func() error { return n.Run(ctx) })
}

func listenPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// loopback rewrites a wildcard listen address into one a local client can
// dial.
func loopback(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func storageMessage(s storage.Store) string {
	if s == nil {
		return "persistence disabled"
	}
	return ""
}

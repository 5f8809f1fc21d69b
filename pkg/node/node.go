package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/heartbeat"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/resources"
	"github.com/cuemby/hive/pkg/types"
	"github.com/cuemby/hive/pkg/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultReconnectDelay is the pause between two connection attempts.
const DefaultReconnectDelay = 2 * time.Second

// Config holds node configuration
type Config struct {
	UUID           string            `yaml:"uuid"`
	DriverAddr     string            `yaml:"driverAddr"`
	MaxJobs        int               `yaml:"maxJobs"`
	Properties     map[string]string `yaml:"properties"`
	Config         types.NodeConfig  `yaml:"config"`
	ReconnectDelay time.Duration     `yaml:"reconnectDelay"`

	// Local marks a node running inside the driver process.
	Local bool `yaml:"-"`
	// Role is NodeRoleNode unless the node relays to another driver.
	Role types.NodeRole `yaml:"-"`
}

// Runner executes the tasks of a bundle.
type Runner interface {
	RunBundle(ctx context.Context, driverUUID string, req *wire.BundleRequest) []types.TaskResult
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, driverUUID string, req *wire.BundleRequest) []types.TaskResult

func (f RunnerFunc) RunBundle(ctx context.Context, driverUUID string, req *wire.BundleRequest) []types.TaskResult {
	return f(ctx, driverUUID, req)
}

// Node is a worker process connected to a driver.
type Node struct {
	cfg       Config
	info      types.SystemInfo
	executors *Executors
	runner    Runner
	logger    zerolog.Logger

	mu         sync.Mutex
	config     types.NodeConfig
	driverUUID string
	resources  *resources.Client
	hbConfig   heartbeat.Config
}

// New creates a node. A missing uuid is generated.
func New(cfg Config) *Node {
	if cfg.UUID == "" {
		cfg.UUID = uuid.New().String()
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = runtime.NumCPU()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Role == "" {
		cfg.Role = types.NodeRoleNode
	}
	hostname, _ := os.Hostname()

	n := &Node{
		cfg:    cfg,
		info:   types.LocalSystemInfo(hostname, cfg.Properties),
		config: cfg.Config.Clone(),
		logger: log.WithNodeUUID(cfg.UUID),
	}
	if n.config == nil {
		n.config = types.NodeConfig{}
	}
	n.executors = NewExecutors(n)
	n.runner = RunnerFunc(n.runTasks)
	return n
}

// UUID returns the node identity.
func (n *Node) UUID() string {
	return n.cfg.UUID
}

// Executors returns the executor registry tasks are run through.
func (n *Node) Executors() *Executors {
	return n.executors
}

// SetRunner replaces the default runner, which executes tasks one by one
// through the executor registry.
func (n *Node) SetRunner(r Runner) {
	n.runner = r
}

// Config returns the configuration the node currently runs with.
func (n *Node) Config() types.NodeConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.config.Clone()
}

// HeartbeatConfig returns the settings echoed by the driver's monitor.
func (n *Node) HeartbeatConfig() heartbeat.Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hbConfig
}

// Run connects to the driver and serves it until ctx is done, reconnecting
// after failures.
func (n *Node) Run(ctx context.Context) error {
	for {
		err := n.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		n.logger.Warn().Err(err).Dur("retry_in", n.cfg.ReconnectDelay).Msg("Driver connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(n.cfg.ReconnectDelay):
		}
	}
}

func (n *Node) handshake(reservedJob string) wire.Handshake {
	n.mu.Lock()
	defer n.mu.Unlock()
	return wire.Handshake{
		Role:        n.cfg.Role,
		UUID:        n.cfg.UUID,
		MaxJobs:     n.cfg.MaxJobs,
		SystemInfo:  n.info,
		Config:      n.config.Clone(),
		Local:       n.cfg.Local,
		ReservedJob: reservedJob,
	}
}

// session runs one connection to the driver: the data channel, the
// heartbeat responder and the resource client.
func (n *Node) session(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", n.cfg.DriverAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to driver: %w", err)
	}
	defer conn.Close()

	if err := wire.Write(conn, n.handshake("")); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	ack, err := wire.ReadAs[*wire.HandshakeAck](conn)
	if err != nil {
		return fmt.Errorf("failed to read handshake ack: %w", err)
	}
	n.mu.Lock()
	n.driverUUID = ack.DriverUUID
	n.mu.Unlock()
	n.logger.Info().Str("driver_uuid", ack.DriverUUID).Str("driver", n.cfg.DriverAddr).Msg("Connected to driver")

	g, gctx := errgroup.WithContext(ctx)
	closers := []func() error{conn.Close}

	host, _, err := net.SplitHostPort(n.cfg.DriverAddr)
	if err != nil {
		return err
	}
	if ack.HeartbeatPort > 0 {
		hb, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(ack.HeartbeatPort)))
		if err != nil {
			return fmt.Errorf("failed to connect heartbeat channel: %w", err)
		}
		closers = append(closers, hb.Close)
		if err := wire.Write(hb, n.handshake("")); err != nil {
			hb.Close()
			return err
		}
		g.Go(func() error {
			return heartbeat.Respond(hb, func(cfg heartbeat.Config) {
				n.mu.Lock()
				n.hbConfig = cfg
				n.mu.Unlock()
				n.logger.Debug().Dur("timeout", cfg.Timeout).Int("max_retries", cfg.MaxRetries).Msg("Heartbeat configured")
			})
		})
	}
	if ack.ResourcePort > 0 {
		rc, err := resources.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(ack.ResourcePort)), n.cfg.UUID)
		if err != nil {
			n.logger.Warn().Err(err).Msg("Resource lookups unavailable")
		} else {
			closers = append(closers, rc.Close)
			n.mu.Lock()
			n.resources = rc
			n.mu.Unlock()
		}
	}

	stop := context.AfterFunc(gctx, func() {
		for _, c := range closers {
			_ = c()
		}
	})
	defer stop()

	g.Go(func() error {
		return n.serve(gctx, conn, ack.DriverUUID)
	})
	err = g.Wait()

	n.mu.Lock()
	n.resources = nil
	n.mu.Unlock()
	return err
}

// serve reads driver requests until the connection fails. Bundles run
// concurrently, at most MaxJobs at a time.
func (n *Node) serve(ctx context.Context, conn net.Conn, driverUUID string) error {
	var writeMu sync.Mutex
	write := func(msg wire.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wire.Write(conn, msg)
	}

	// Bundles still running when the connection fails stop with ctx.
	bundles := new(errgroup.Group)
	bundles.SetLimit(n.cfg.MaxJobs)

	for {
		msg, err := wire.Read(conn)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *wire.BundleRequest:
			bundles.Go(func() error {
				results := n.runner.RunBundle(ctx, driverUUID, m)
				if err := write(wire.BundleResult{BundleID: m.BundleID, Results: results}); err != nil {
					n.logger.Warn().Err(err).Str("bundle_id", m.BundleID).Msg("Failed to send bundle result")
					conn.Close()
				}
				return nil
			})
		case *wire.Reconfigure:
			n.reconfigure(m.Config)
			n.logger.Info().Str("job_uuid", m.JobUUID).Msg("Reconfigured for job")
			if err := write(n.handshake(m.JobUUID)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s from driver", wire.ErrUnexpectedMessage, msg.Kind())
		}
	}
}

func (n *Node) reconfigure(cfg types.NodeConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, v := range cfg {
		n.config[k] = v
	}
}

// runTasks is the default runner.
func (n *Node) runTasks(ctx context.Context, _ string, req *wire.BundleRequest) []types.TaskResult {
	results := make([]types.TaskResult, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		r := types.TaskResult{Position: t.Position, NodeUUID: n.cfg.UUID}
		out, err := n.executors.Run(ctx, t.Kind, t.Payload)
		if err != nil {
			r.Err = err.Error()
		} else {
			r.Output = out
		}
		results = append(results, r)
	}
	return results
}

// FetchResources looks resources up on the driver the node is connected to.
func (n *Node) FetchResources(names ...string) ([]wire.ResourceResponse, error) {
	n.mu.Lock()
	rc := n.resources
	n.mu.Unlock()
	if rc == nil {
		return nil, errors.New("not connected to a resource server")
	}
	return rc.Fetch(names...)
}

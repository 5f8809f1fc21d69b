package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cuemby/hive/pkg/driver"
	"github.com/cuemby/hive/pkg/heartbeat"
	"github.com/cuemby/hive/pkg/loadbalancer"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/node"
	"github.com/cuemby/hive/pkg/scheduler"
	"github.com/cuemby/hive/pkg/storage"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "hive.yaml"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the content of hive.yaml.
type Config struct {
	Driver       driver.Config       `yaml:"driver"`
	Node         node.Config         `yaml:"node"`
	Heartbeat    heartbeat.Config    `yaml:"heartbeat"`
	Scheduler    scheduler.Config    `yaml:"scheduler"`
	LoadBalancer loadbalancer.Config `yaml:"loadBalancer"`
	Storage      storage.Config      `yaml:"storage"`
	API          APIConfig           `yaml:"api"`
	Log          LogConfig           `yaml:"log"`
}

// APIConfig holds the management listeners. An empty address disables the
// listener.
type APIConfig struct {
	GRPCAddr   string `yaml:"grpcAddr"`
	HTTPAddr   string `yaml:"httpAddr"`
	UnixSocket string `yaml:"unixSocket"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	d := driver.DefaultConfig()
	return &Config{
		Driver: d,
		Node: node.Config{
			DriverAddr:     "127.0.0.1:11111",
			ReconnectDelay: node.DefaultReconnectDelay,
		},
		Heartbeat:    d.Heartbeat,
		Scheduler:    d.Scheduler,
		LoadBalancer: d.LoadBalancer,
		Storage:      storage.Config{Type: "bolt", DataDir: "./hive-data"},
		API: APIConfig{
			GRPCAddr: ":11120",
			HTTPAddr: ":11121",
		},
		Log: LogConfig{Level: string(log.InfoLevel)},
	}
}

// Load reads path over the defaults. A missing file at DefaultPath is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would only fail later at startup.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{
		"driver.nodeAddr":      c.Driver.NodeAddr,
		"driver.heartbeatAddr": c.Driver.HeartbeatAddr,
		"driver.resourceAddr":  c.Driver.ResourceAddr,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	for _, peer := range c.Driver.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("%w: driver.peers: %v", ErrInvalid, err)
		}
	}
	if c.Driver.PoolSize < 0 || c.Driver.PeerMaxJobs < 0 || c.Node.MaxJobs < 0 {
		return fmt.Errorf("%w: sizes must not be negative", ErrInvalid)
	}

	hb := c.Heartbeat
	if hb.Interval <= 0 || hb.Timeout <= 0 || hb.MaxRetries < 1 {
		return fmt.Errorf("%w: heartbeat needs a positive interval, timeout and maxRetries", ErrInvalid)
	}
	if c.Scheduler.IdleBackoff < 0 {
		return fmt.Errorf("%w: scheduler.idleBackoff is negative", ErrInvalid)
	}

	strategy, err := loadbalancer.NewRegistry().New(c.LoadBalancer.Algorithm, c.LoadBalancer.Params)
	if err != nil {
		return fmt.Errorf("%w: loadBalancer: %v", ErrInvalid, err)
	}
	strategy.Dispose()

	switch c.Storage.Type {
	case "", "bolt", "none":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for sqlite", ErrInvalid)
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("%w: storage.redisAddr is required for redis", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage type %q", ErrInvalid, c.Storage.Type)
	}

	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

// DriverConfig returns the driver settings with the shared sections merged
// in.
func (c *Config) DriverConfig() driver.Config {
	d := c.Driver
	d.Heartbeat = c.Heartbeat
	d.Scheduler = c.Scheduler
	d.LoadBalancer = c.LoadBalancer
	return d
}

// NodeConfig returns the node settings.
func (c *Config) NodeConfig() node.Config {
	return c.Node
}

// LogConfig returns the logging settings for log.Init.
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.ParseLevel(c.Log.Level),
		JSONOutput: c.Log.JSON,
		Output:     os.Stderr,
	}
}

// Durations below this are almost always a unit mistake in the file.
const minInterval = time.Millisecond

// Warnings lists suspicious but valid settings.
func (c *Config) Warnings() []string {
	var out []string
	if c.Heartbeat.Timeout > c.Heartbeat.Interval {
		out = append(out, "heartbeat.timeout exceeds heartbeat.interval; probes will overlap")
	}
	if c.Driver.SweepInterval > 0 && c.Driver.SweepInterval < minInterval {
		out = append(out, "driver.sweepInterval is below one millisecond")
	}
	if c.Driver.PersistJobs && c.Storage.Type == "none" {
		out = append(out, "driver.persistJobs has no effect without storage")
	}
	return out
}

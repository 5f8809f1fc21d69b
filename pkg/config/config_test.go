package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/loadbalancer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.Warnings())
	assert.Equal(t, ":11111", cfg.Driver.NodeAddr)
	assert.Equal(t, loadbalancer.Proportional, cfg.LoadBalancer.Algorithm)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
driver:
  nodeAddr: "0.0.0.0:12000"
  localNode: true
  peers: ["10.0.0.2:11111"]
heartbeat:
  interval: 500ms
  timeout: 250ms
  maxRetries: 5
scheduler:
  idleBackoff: 2s
  localBias: true
loadBalancer:
  algorithm: manual
  params:
    size: "8"
storage:
  type: sqlite
  path: /tmp/hive.db
api:
  unixSocket: /run/hive.sock
log:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:12000", cfg.Driver.NodeAddr)
	assert.Equal(t, ":11112", cfg.Driver.HeartbeatAddr, "unset keys keep their default")
	assert.True(t, cfg.Driver.LocalNode)
	assert.Equal(t, []string{"10.0.0.2:11111"}, cfg.Driver.Peers)
	assert.Equal(t, ":11120", cfg.API.GRPCAddr)
	assert.Equal(t, "/run/hive.sock", cfg.API.UnixSocket)

	d := cfg.DriverConfig()
	assert.Equal(t, 500*time.Millisecond, d.Heartbeat.Interval)
	assert.Equal(t, 5, d.Heartbeat.MaxRetries)
	assert.Equal(t, 2*time.Second, d.Scheduler.IdleBackoff)
	assert.True(t, d.Scheduler.LocalBias)
	assert.Equal(t, 8, d.LoadBalancer.Params.Int("size", 0))

	lc := cfg.LogConfig()
	assert.True(t, lc.JSONOutput)
	assert.EqualValues(t, "debug", lc.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformed(t *testing.T) {
	_, err := Load(writeConfig(t, "driver: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad node address", mutate: func(c *Config) { c.Driver.NodeAddr = "nope" }},
		{name: "bad peer", mutate: func(c *Config) { c.Driver.Peers = []string{"peer-without-port"} }},
		{name: "negative pool", mutate: func(c *Config) { c.Driver.PoolSize = -1 }},
		{name: "zero heartbeat interval", mutate: func(c *Config) { c.Heartbeat.Interval = 0 }},
		{name: "zero retries", mutate: func(c *Config) { c.Heartbeat.MaxRetries = 0 }},
		{name: "negative backoff", mutate: func(c *Config) { c.Scheduler.IdleBackoff = -time.Second }},
		{name: "unknown algorithm", mutate: func(c *Config) { c.LoadBalancer.Algorithm = "random" }},
		{name: "invalid manual size", mutate: func(c *Config) {
			c.LoadBalancer = loadbalancer.Config{Algorithm: loadbalancer.Manual, Params: loadbalancer.Params{"size": "0"}}
		}},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage.Type = "sqlite" }},
		{name: "redis without address", mutate: func(c *Config) { c.Storage.Type = "redis" }},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "etcd" }},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestWarnings(t *testing.T) {
	cfg := Default()
	cfg.Heartbeat.Timeout = 2 * cfg.Heartbeat.Interval
	cfg.Driver.PersistJobs = true
	cfg.Storage.Type = "none"
	assert.Len(t, cfg.Warnings(), 2)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/hive/pkg/api"
	"github.com/cuemby/hive/pkg/driver"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/storage"
	"github.com/spf13/cobra"
)

var driverCmd = &cobra.Command{
	Use:   "driver",
	Short: "Run a hive driver",
}

var driverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a driver",
	Long: `Start a driver with the settings of the configuration file.

The driver listens for nodes, heartbeats and resource lookups, and serves
the management API over gRPC and HTTP. With --local-node an in-process node
runs tasks as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("node-addr") {
			cfg.Driver.NodeAddr, _ = flags.GetString("node-addr")
		}
		if flags.Changed("api-addr") {
			cfg.API.GRPCAddr, _ = flags.GetString("api-addr")
		}
		if flags.Changed("http-addr") {
			cfg.API.HTTPAddr, _ = flags.GetString("http-addr")
		}
		if flags.Changed("data-dir") {
			cfg.Storage.DataDir, _ = flags.GetString("data-dir")
		}
		if flags.Changed("local-node") {
			cfg.Driver.LocalNode, _ = flags.GetBool("local-node")
		}
		if flags.Changed("peer") {
			cfg.Driver.Peers, _ = flags.GetStringSlice("peer")
		}
		if flags.Changed("algorithm") {
			cfg.LoadBalancer.Algorithm, _ = flags.GetString("algorithm")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if cfg.Storage.Type == "" || cfg.Storage.Type == "bolt" {
			if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory: %v", err)
			}
		}
		store, err := storage.NewStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open storage: %v", err)
		}

		d, err := driver.New(cfg.DriverConfig(), store)
		if err != nil {
			if store != nil {
				store.Close()
			}
			return fmt.Errorf("failed to create driver: %v", err)
		}

		fmt.Println("Starting hive driver...")
		fmt.Printf("  Driver UUID: %s\n", d.UUID())
		fmt.Printf("  Node Address: %s\n", cfg.Driver.NodeAddr)
		fmt.Printf("  Load Balancer: %s\n", cfg.LoadBalancer.Algorithm)
		fmt.Printf("  Storage: %s\n", storageName(cfg.Storage))
		fmt.Println()

		if err := d.Start(); err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to start driver: %v", err)
		}
		fmt.Printf("✓ Driver started (nodes on %s)\n", d.NodeAddr())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error, 3)

		var grpcServer *api.Server
		if cfg.API.GRPCAddr != "" || cfg.API.UnixSocket != "" {
			grpcServer = api.NewServer(d)
			go grpcServer.WatchHealth(ctx, 5*time.Second)
		}
		if cfg.API.GRPCAddr != "" {
			go func() {
				if err := grpcServer.Start(cfg.API.GRPCAddr); err != nil {
					errCh <- fmt.Errorf("API server error: %v", err)
				}
			}()
			fmt.Printf("✓ gRPC API listening on %s\n", cfg.API.GRPCAddr)
		}
		if cfg.API.UnixSocket != "" {
			go func() {
				if err := grpcServer.StartUnix(cfg.API.UnixSocket); err != nil {
					errCh <- fmt.Errorf("read-only API error: %v", err)
				}
			}()
			fmt.Printf("✓ Read-only API listening on %s\n", cfg.API.UnixSocket)
		}

		var httpServer *api.HTTPServer
		if cfg.API.HTTPAddr != "" {
			httpServer = api.NewHTTPServer(d)
			go func() {
				if err := httpServer.Start(cfg.API.HTTPAddr); err != nil {
					errCh <- fmt.Errorf("HTTP server error: %v", err)
				}
			}()
			fmt.Printf("✓ HTTP API listening on %s\n", cfg.API.HTTPAddr)
		}

		fmt.Println()
		fmt.Println("Driver is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}
		cancel()

		if httpServer != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			if err := httpServer.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				log.Errorf("HTTP shutdown failed", err)
			}
			done()
		}
		if grpcServer != nil {
			grpcServer.Stop()
		}
		if err := d.Stop(); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func storageName(cfg storage.Config) string {
	switch cfg.Type {
	case "", "bolt":
		return "bolt (" + cfg.DataDir + ")"
	case "sqlite":
		return "sqlite (" + cfg.Path + ")"
	case "redis":
		return "redis (" + cfg.RedisAddr + ")"
	default:
		return cfg.Type
	}
}

func init() {
	driverCmd.AddCommand(driverStartCmd)

	driverStartCmd.Flags().String("node-addr", ":11111", "Address nodes connect to")
	driverStartCmd.Flags().String("api-addr", ":11120", "Address for the gRPC API")
	driverStartCmd.Flags().String("http-addr", ":11121", "Address for health, metrics and the HTTP API")
	driverStartCmd.Flags().String("data-dir", "./hive-data", "Data directory for the bolt store")
	driverStartCmd.Flags().Bool("local-node", false, "Run a node inside the driver process")
	driverStartCmd.Flags().StringSlice("peer", nil, "Address of a peer driver to relay work to (repeatable)")
	driverStartCmd.Flags().String("algorithm", "proportional", "Load-balancing algorithm")
}

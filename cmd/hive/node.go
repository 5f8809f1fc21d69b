package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/cuemby/hive/pkg/node"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a hive node",
}

var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a node and connect it to a driver",
	Long: `Start a worker node. The node connects to the driver, answers its
heartbeats and runs the bundles it receives, reconnecting after failures.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		nc := cfg.NodeConfig()
		flags := cmd.Flags()
		if flags.Changed("driver") {
			nc.DriverAddr, _ = flags.GetString("driver")
		}
		if flags.Changed("uuid") {
			nc.UUID, _ = flags.GetString("uuid")
		}
		if flags.Changed("max-jobs") {
			nc.MaxJobs, _ = flags.GetInt("max-jobs")
		}
		if flags.Changed("property") {
			props, _ := flags.GetStringToString("property")
			if nc.Properties == nil {
				nc.Properties = make(map[string]string, len(props))
			}
			for k, v := range props {
				nc.Properties[k] = v
			}
		}

		n := node.New(nc)
		fmt.Println("Starting hive node...")
		fmt.Printf("  Node UUID: %s\n", n.UUID())
		fmt.Printf("  Driver: %s\n", nc.DriverAddr)
		fmt.Printf("  Executors: %v\n", n.Executors().Kinds())
		fmt.Println()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := n.Run(ctx); err != nil {
			return err
		}
		fmt.Println("\n✓ Node stopped")
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeStartCmd)

	nodeStartCmd.Flags().String("driver", "127.0.0.1:11111", "Driver node address")
	nodeStartCmd.Flags().String("uuid", "", "Node UUID (generated when empty)")
	nodeStartCmd.Flags().Int("max-jobs", 0, "Bundles run concurrently (number of CPUs when 0)")
	nodeStartCmd.Flags().StringToString("property", nil, "System property exposed to execution policies (key=value)")
}

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/hive/pkg/api"
	"github.com/cuemby/hive/pkg/client"
	"github.com/cuemby/hive/pkg/driver"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a driver",
	Long: `Show the nodes, jobs and reservations of a running driver.

With --socket the read-only Unix socket is used instead of the TCP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("api-addr")
		socket, _ := cmd.Flags().GetString("socket")

		var c *client.Client
		var err error
		if socket != "" {
			c, err = client.NewUnixClient(socket)
		} else {
			c, err = client.NewClient(addr)
		}
		if err != nil {
			return err
		}
		defer c.Close()

		snap, err := c.Snapshot()
		if err != nil {
			return fmt.Errorf("failed to get snapshot: %v", err)
		}
		printSnapshot(snap)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("api-addr", "127.0.0.1:11120", "Driver gRPC API address")
	statusCmd.Flags().String("socket", "", "Read-only Unix socket of the driver")
}

func printSnapshot(s *driver.Snapshot) {
	fmt.Printf("Driver %s\n", s.DriverUUID)
	if !s.StartedAt.IsZero() {
		fmt.Printf("  Started: %s\n", humanize.RelTime(s.StartedAt, s.Time, "ago", "from now"))
	}
	fmt.Printf("  Resources: %s cached, %d providers\n", humanize.Comma(int64(s.ResourceCache)), s.ResourceProviders)
	fmt.Println()

	fmt.Printf("Nodes (%d)\n", len(s.Nodes))
	if len(s.Nodes) > 0 {
		fmt.Printf("  %-36s  %-5s  %-8s  %-5s  %-10s  %-12s  %s\n", "UUID", "ROLE", "STATUS", "JOBS", "RTT", "HOST", "CONNECTED")
	}
	for _, n := range s.Nodes {
		role := string(n.Role)
		if n.Local {
			role += "*"
		}
		fmt.Printf("  %-36s  %-5s  %-8s  %-5s  %-10s  %-12s  %s\n",
			n.UUID,
			role,
			n.Status,
			fmt.Sprintf("%d/%d", n.CurrentJobs, n.MaxJobs),
			n.MeanRTT.Round(time.Millisecond),
			n.SystemInfo.Hostname,
			humanize.RelTime(n.ConnectedAt, s.Time, "ago", "from now"),
		)
	}
	fmt.Println()

	fmt.Printf("Jobs (%d)\n", len(s.Jobs))
	if len(s.Jobs) > 0 {
		fmt.Printf("  %-36s  %-16s  %-4s  %-24s  %s\n", "UUID", "NAME", "PRIO", "TASKS", "SUBMITTED")
	}
	for _, j := range s.Jobs {
		name := j.Name
		if j.Suspended {
			name += " (suspended)"
		}
		fmt.Printf("  %-36s  %-16s  %-4d  %-24s  %s\n",
			j.UUID,
			name,
			j.Priority,
			fmt.Sprintf("%s/%s done, %d out", humanize.Comma(int64(j.Terminal)), humanize.Comma(int64(j.Tasks)), j.Outstanding),
			humanize.RelTime(j.SubmittedAt, s.Time, "ago", "from now"),
		)
	}

	if len(s.Reservations.Pending)+len(s.Reservations.Ready) > 0 {
		fmt.Println()
		fmt.Println("Reservations")
		for nodeUUID, jobUUID := range s.Reservations.Pending {
			fmt.Printf("  %s -> %s (pending)\n", nodeUUID, jobUUID)
		}
		for nodeUUID, jobUUID := range s.Reservations.Ready {
			fmt.Printf("  %s -> %s (ready)\n", nodeUUID, jobUUID)
		}
	}

	if len(s.HeartbeatFailures) > 0 {
		fmt.Println()
		fmt.Println("Recent heartbeat failures")
		for _, e := range s.HeartbeatFailures {
			fmt.Printf("  %s  %s\n", humanize.Time(e.Timestamp), e.Message)
		}
	}
}

func printJob(d *api.JobDetail) {
	fmt.Printf("Job %s (%s)\n", d.Name, d.UUID)
	fmt.Printf("  Priority: %d\n", d.Priority)
	fmt.Printf("  Tasks: %d (%d pending, %d outstanding, %d done)\n", d.Tasks, d.Pending, d.Outstanding, d.Terminal)
	if len(d.RelayPath) > 0 {
		fmt.Printf("  Relayed through: %s\n", strings.Join(d.RelayPath, " -> "))
	}
	fmt.Printf("  Done: %t\n", d.Done)

	for _, r := range d.Results {
		switch {
		case r.Err != "":
			fmt.Printf("  [%d] error: %s\n", r.Position, r.Err)
		default:
			fmt.Printf("  [%d] %s (%s on %s)\n", r.Position, preview(r.Output), humanize.IBytes(uint64(len(r.Output))), r.NodeUUID)
		}
	}
}

// preview returns the start of an output on one line.
func preview(out []byte) string {
	s := strings.ReplaceAll(string(out), "\n", " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

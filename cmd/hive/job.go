package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/hive/pkg/api"
	"github.com/cuemby/hive/pkg/client"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var apiAddr string

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job described in a YAML file",
	Long: `Submit a job from a YAML file.

Example job.yaml:

  name: checksums
  priority: 5
  dispatchTimeout: 30s
  tasks:
    - kind: sha256
      payload: first
    - kind: sha256
      payload: second
    - kind: echo
      payload: done
      dependsOn: [0, 1]`,
	RunE: runSubmit,
}

var jobGetCmd = &cobra.Command{
	Use:   "get UUID",
	Short: "Show a job and its results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.NewClient(apiAddr)
		if err != nil {
			return err
		}
		defer c.Close()

		detail, err := c.GetJob(args[0])
		if err != nil {
			return fmt.Errorf("failed to get job: %v", err)
		}
		printJob(detail)
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel UUID",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("Cancelled", (*client.Client).CancelJob),
}

var jobSuspendCmd = &cobra.Command{
	Use:   "suspend UUID",
	Short: "Hold the dispatching of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("Suspended", (*client.Client).SuspendJob),
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume UUID",
	Short: "Resume a suspended job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("Resumed", (*client.Client).ResumeJob),
}

func init() {
	jobCmd.PersistentFlags().StringVar(&apiAddr, "api-addr", "127.0.0.1:11120", "Driver gRPC API address")

	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobSuspendCmd)
	jobCmd.AddCommand(jobResumeCmd)

	jobSubmitCmd.Flags().StringP("file", "f", "", "YAML job file (required)")
	jobSubmitCmd.Flags().Bool("wait", false, "Wait for the job to complete and print its results")
	jobSubmitCmd.Flags().Duration("timeout", 10*time.Minute, "Maximum time to wait with --wait")
	_ = jobSubmitCmd.MarkFlagRequired("file")
}

// readJobFile parses a job description.
func readJobFile(filename string) (api.SubmitRequest, error) {
	var req api.SubmitRequest
	data, err := os.ReadFile(filename)
	if err != nil {
		return req, fmt.Errorf("failed to read file: %v", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse YAML: %v", err)
	}
	if _, err := req.Job(); err != nil {
		return req, err
	}
	return req, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	wait, _ := cmd.Flags().GetBool("wait")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	req, err := readJobFile(filename)
	if err != nil {
		return err
	}

	c, err := client.NewClient(apiAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to driver: %v", err)
	}
	defer c.Close()

	id, err := c.SubmitJob(req)
	if err != nil {
		return fmt.Errorf("failed to submit job: %v", err)
	}
	fmt.Printf("✓ Job submitted: %s (ID: %s, %d tasks)\n", req.Name, id, len(req.Tasks))
	if !wait {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	detail, err := c.WaitJob(ctx, id, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed waiting for job: %v", err)
	}
	printJob(detail)
	return nil
}

func jobAction(done string, action func(*client.Client, string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := client.NewClient(apiAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to driver: %v", err)
		}
		defer c.Close()

		if err := action(c, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ %s job %s\n", done, args[0])
		return nil
	}
}

/*
Package client provides a Go client library for the hive management API.

The client wraps the HiveAPI gRPC service of pkg/api. Requests and answers
travel as protobuf Structs; the client converts them to and from the driver
types so callers work with driver.Snapshot, driver.JobInfo and
api.JobDetail directly.

# Connecting

	c, err := client.NewClient("driver:11120")       // full API
	c, err := client.NewUnixClient("/run/hive.sock")  // read-only
	defer c.Close()

The Unix socket only accepts List, Get and Stream calls. Job control must go
through the TCP address.

# Jobs

	id, err := c.SubmitJob(api.SubmitRequest{
		Name:  "render",
		Tasks: []api.TaskSpec{{Kind: "echo", Payload: "frame-1"}},
	})
	detail, err := c.WaitJob(ctx, id, time.Second)

CancelJob, SuspendJob and ResumeJob return a gRPC NotFound status for an
unknown job.

# Events

StreamEvents follows the driver's event broker:

	err := c.StreamEvents(ctx, "node.failed", func(e api.EventInfo) error {
		fmt.Println(e.Timestamp, e.Message)
		return nil
	})

Every unary call is bounded by DefaultTimeout.
*/
package client

package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/hive/pkg/api"
	"github.com/cuemby/hive/pkg/driver"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultTimeout bounds every unary call.
const DefaultTimeout = 10 * time.Second

// Client wraps the hive gRPC API for CLI usage
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient connects to the TCP API of a driver
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to driver: %w", err)
	}
	return NewFromConn(conn), nil
}

// NewUnixClient connects to the read-only Unix socket of a driver. Job
// control calls made through it fail with PermissionDenied.
func NewUnixClient(path string) (*Client, error) {
	conn, err := grpc.NewClient("passthrough:///"+path,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return NewFromConn(conn), nil
}

// NewFromConn wraps an existing connection. The client owns it from then on.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, timeout: DefaultTimeout}
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(method string, in any, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, api.FullMethod(method), in, out)
}

// call invokes a method answering with a Struct and decodes it into v.
func (c *Client) call(method string, in any, v any) error {
	out := new(structpb.Struct)
	if err := c.invoke(method, in, out); err != nil {
		return err
	}
	return api.FromStruct(out, v)
}

func jobRef(jobUUID string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"uuid": structpb.NewStringValue(jobUUID),
	}}
}

// Snapshot returns the state of the driver
func (c *Client) Snapshot() (*driver.Snapshot, error) {
	var snap driver.Snapshot
	if err := c.call("GetSnapshot", &emptypb.Empty{}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListNodes lists the connected nodes
func (c *Client) ListNodes() ([]driver.NodeInfo, error) {
	var resp struct {
		Nodes []driver.NodeInfo `json:"nodes"`
	}
	if err := c.call("ListNodes", &emptypb.Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// ListJobs lists the active jobs
func (c *Client) ListJobs() ([]driver.JobInfo, error) {
	var resp struct {
		Jobs []driver.JobInfo `json:"jobs"`
	}
	if err := c.call("ListJobs", &emptypb.Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJob returns a job with its results
func (c *Client) GetJob(jobUUID string) (*api.JobDetail, error) {
	var detail api.JobDetail
	if err := c.call("GetJob", jobRef(jobUUID), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListEvents returns up to limit recent events of one type. A limit of 0
// returns the whole history the driver keeps.
func (c *Client) ListEvents(eventType string, limit int) ([]api.EventInfo, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":  structpb.NewStringValue(eventType),
		"limit": structpb.NewNumberValue(float64(limit)),
	}}
	var resp struct {
		Events []api.EventInfo `json:"events"`
	}
	if err := c.call("ListEvents", req, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// SubmitJob queues a job and returns its uuid
func (c *Client) SubmitJob(req api.SubmitRequest) (string, error) {
	in, err := api.ToStruct(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	var resp struct {
		UUID string `json:"uuid"`
	}
	if err := c.call("SubmitJob", in, &resp); err != nil {
		return "", err
	}
	return resp.UUID, nil
}

// CancelJob cancels a job
func (c *Client) CancelJob(jobUUID string) error {
	return c.invoke("CancelJob", jobRef(jobUUID), new(emptypb.Empty))
}

// SuspendJob holds the dispatching of a job
func (c *Client) SuspendJob(jobUUID string) error {
	return c.invoke("SuspendJob", jobRef(jobUUID), new(emptypb.Empty))
}

// ResumeJob resumes a suspended job
func (c *Client) ResumeJob(jobUUID string) error {
	return c.invoke("ResumeJob", jobRef(jobUUID), new(emptypb.Empty))
}

// WaitJob polls a job until it is done or ctx expires.
func (c *Client) WaitJob(ctx context.Context, jobUUID string, interval time.Duration) (*api.JobDetail, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		detail, err := c.GetJob(jobUUID)
		if err != nil {
			return nil, err
		}
		if detail.Done {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return detail, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StreamEvents calls fn for every event of the given type (all types when
// empty) published by the driver until ctx is done or fn returns an error.
func (c *Client) StreamEvents(ctx context.Context, eventType string, fn func(api.EventInfo) error) error {
	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod("StreamEvents"))
	if err != nil {
		return err
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(eventType),
	}}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var e api.EventInfo
		if err := api.FromStruct(msg, &e); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

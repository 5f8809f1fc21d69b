package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/hive/pkg/framing"
	"github.com/cuemby/hive/pkg/types"
)

var (
	// ErrProtocol is returned for payloads that are not a valid message.
	ErrProtocol = errors.New("protocol error")

	// ErrUnexpectedMessage is returned when a message of another kind than
	// the one expected arrives.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// Kind identifies a message type on the wire.
type Kind string

const (
	KindHandshake        Kind = "handshake"
	KindHandshakeAck     Kind = "handshake-ack"
	KindBundleRequest    Kind = "bundle-request"
	KindBundleResult     Kind = "bundle-result"
	KindReconfigure      Kind = "reconfigure"
	KindHeartbeat        Kind = "heartbeat"
	KindResourceRequest  Kind = "resource-request"
	KindResourceResponse Kind = "resource-response"
)

// Message is implemented by every wire message.
type Message interface {
	Kind() Kind
}

// Handshake is the first message a worker, peer driver or resource provider
// sends on a connection. A worker sends it again after a reconfiguration.
type Handshake struct {
	Role        types.NodeRole   `json:"role"`
	UUID        string           `json:"uuid"`
	MaxJobs     int              `json:"maxJobs"`
	SystemInfo  types.SystemInfo `json:"systemInfo"`
	Config      types.NodeConfig `json:"config,omitempty"`
	Local       bool             `json:"local,omitempty"`
	ReservedJob string           `json:"reservedJob,omitempty"`
}

// HandshakeAck is the driver's reply to the first handshake.
type HandshakeAck struct {
	DriverUUID    string `json:"driverUUID"`
	HeartbeatPort int    `json:"heartbeatPort,omitempty"`
	ResourcePort  int    `json:"resourcePort,omitempty"`
}

// BundleRequest carries a bundle of tasks to a worker.
type BundleRequest struct {
	BundleID  string       `json:"bundleID"`
	JobUUID   string       `json:"jobUUID"`
	JobName   string       `json:"jobName"`
	RelayPath []string     `json:"relayPath,omitempty"`
	Tasks     []types.Task `json:"tasks"`
	// SLA is the job's SLA without policies. A peer driver relays the
	// bundle under it.
	SLA *types.SLA `json:"sla,omitempty"`
}

// BundleResult carries the results of a bundle back to the driver.
type BundleResult struct {
	BundleID string             `json:"bundleID"`
	Results  []types.TaskResult `json:"results"`
}

// Reconfigure asks a worker reserved for a job to apply a configuration.
type Reconfigure struct {
	JobUUID string           `json:"jobUUID"`
	Config  types.NodeConfig `json:"config"`
}

// HeartbeatMessage is a liveness probe or its response. The timeout and
// retry settings are only filled in on the first probe of a connection.
type HeartbeatMessage struct {
	MessageID  uint64        `json:"messageID"`
	Seq        uint64        `json:"seq"`
	Response   bool          `json:"response,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxRetries int           `json:"maxRetries,omitempty"`
}

// ResourceRequest asks for a named resource.
type ResourceRequest struct {
	Name string `json:"name"`
}

// ResourceResponse answers a ResourceRequest.
type ResourceResponse struct {
	Name  string `json:"name"`
	Data  []byte `json:"data,omitempty"`
	Found bool   `json:"found"`
}

func (Handshake) Kind() Kind        { return KindHandshake }
func (HandshakeAck) Kind() Kind     { return KindHandshakeAck }
func (BundleRequest) Kind() Kind    { return KindBundleRequest }
func (BundleResult) Kind() Kind     { return KindBundleResult }
func (Reconfigure) Kind() Kind      { return KindReconfigure }
func (HeartbeatMessage) Kind() Kind { return KindHeartbeat }
func (ResourceRequest) Kind() Kind  { return KindResourceRequest }
func (ResourceResponse) Kind() Kind { return KindResourceResponse }

type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Encode serializes a message with its kind tag.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Kind(), err)
	}
	data, err := json.Marshal(envelope{Kind: msg.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses a tagged message.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	var msg Message
	switch env.Kind {
	case KindHandshake:
		msg = &Handshake{}
	case KindHandshakeAck:
		msg = &HandshakeAck{}
	case KindBundleRequest:
		msg = &BundleRequest{}
	case KindBundleResult:
		msg = &BundleResult{}
	case KindReconfigure:
		msg = &Reconfigure{}
	case KindHeartbeat:
		msg = &HeartbeatMessage{}
	case KindResourceRequest:
		msg = &ResourceRequest{}
	case KindResourceResponse:
		msg = &ResourceResponse{}
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrProtocol, env.Kind)
	}
	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %v", ErrProtocol, env.Kind, err)
	}
	return msg, nil
}

// DecodeAs parses a message that must be of type T, a pointer to one of the
// message structs.
func DecodeAs[T Message](data []byte) (T, error) {
	var zero T
	msg, err := Decode(data)
	if err != nil {
		return zero, err
	}
	v, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Kind())
	}
	return v, nil
}

// Write sends one message as a frame on a blocking stream.
func Write(w io.Writer, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return framing.WriteFrame(w, data)
}

// Read receives one message from a blocking stream.
func Read(r io.Reader) (Message, error) {
	data, err := framing.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// ReadAs receives one message that must be of type T.
func ReadAs[T Message](r io.Reader) (T, error) {
	var zero T
	data, err := framing.ReadFrame(r)
	if err != nil {
		return zero, err
	}
	return DecodeAs[T](data)
}

// Frame encodes a message into a frame ready to be queued on a connection.
func Frame(msg Message) (*framing.Message, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return framing.NewMessage(data), nil
}

// Composite encodes several messages into one composite frame.
func Composite[T Message](msgs []T) (*framing.Composite, error) {
	parts := make([][]byte, len(msgs))
	for i, m := range msgs {
		data, err := Encode(m)
		if err != nil {
			return nil, err
		}
		parts[i] = data
	}
	return framing.NewComposite(parts), nil
}

// NewBundleRequest builds the request for an outstanding bundle.
func NewBundleRequest(b *types.Bundle) BundleRequest {
	tasks := make([]types.Task, len(b.Tasks))
	for i, t := range b.Tasks {
		tasks[i] = types.Task{
			Position:      t.Position,
			Kind:          t.Kind,
			Payload:       t.Payload,
			ResubmitCount: t.ResubmitCount,
		}
	}
	req := BundleRequest{
		BundleID:  b.ID,
		JobUUID:   b.JobUUID,
		JobName:   b.JobName,
		RelayPath: b.RelayPath,
		Tasks:     tasks,
	}
	if job := b.Job(); job != nil {
		sla := job.SLA.Portable()
		sla.Suspended = false
		req.SLA = &sla
	}
	return req
}

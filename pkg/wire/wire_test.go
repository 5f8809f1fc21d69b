package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/framing"
	"github.com/cuemby/hive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "{"},
		{name: "unknown kind", data: `{"kind":"gossip","body":{}}`},
		{name: "bad body", data: `{"kind":"handshake","body":{"maxJobs":"many"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecodeAs(t *testing.T) {
	data, err := Encode(Reconfigure{JobUUID: "j1", Config: types.NodeConfig{"mem": "8g"}})
	require.NoError(t, err)

	msg, err := DecodeAs[*Reconfigure](data)
	require.NoError(t, err)
	assert.Equal(t, "8g", msg.Config["mem"])

	_, err = DecodeAs[*Handshake](data)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestNewBundleRequestStripsResults(t *testing.T) {
	job := types.NewJob("j", []*types.Task{
		{Kind: "echo", Payload: []byte("a")},
		{Kind: "echo", Payload: []byte("b"), DependsOn: []int{0}},
	}, types.DefaultSLA())
	job.RelayPath = []string{"upstream"}

	b, err := job.NextBundle(1, "node-1")
	require.NoError(t, err)

	req := NewBundleRequest(b)
	assert.Equal(t, b.ID, req.BundleID)
	assert.Equal(t, []string{"upstream"}, req.RelayPath)
	require.Len(t, req.Tasks, 1)
	assert.Equal(t, []byte("a"), req.Tasks[0].Payload)
	assert.Nil(t, req.Tasks[0].Result)
}

func TestNewBundleRequestCarriesSLA(t *testing.T) {
	sla := types.DefaultSLA()
	sla.MaxRelayDepth = 2
	sla.MaxResubmits = 5
	sla.DispatchTimeout = time.Minute
	sla.ExecutionPolicy = types.PolicyFunc(func(types.SystemInfo) (bool, error) { return true, nil })
	job := types.NewJob("j", []*types.Task{{Kind: "echo"}}, sla)
	job.SetSuspended(true)

	b, err := job.NextBundle(1, "node-1")
	require.NoError(t, err)

	data, err := Encode(NewBundleRequest(b))
	require.NoError(t, err)
	req, err := DecodeAs[*BundleRequest](data)
	require.NoError(t, err)

	require.NotNil(t, req.SLA)
	assert.Equal(t, 2, req.SLA.MaxRelayDepth)
	assert.Equal(t, 5, req.SLA.MaxResubmits)
	assert.Equal(t, time.Minute, req.SLA.DispatchTimeout)
	assert.False(t, req.SLA.Suspended)
	assert.Nil(t, req.SLA.ExecutionPolicy)
}

func TestFrameOverConnection(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_ = Write(client, Handshake{Role: types.NodeRoleNode, UUID: "n1", MaxJobs: 2})
	}()

	hs, err := ReadAs[*Handshake](server)
	require.NoError(t, err)
	assert.Equal(t, "n1", hs.UUID)
	assert.Equal(t, 2, hs.MaxJobs)
}

func TestCompositeFrame(t *testing.T) {
	reqs := []ResourceRequest{{Name: "a.class"}, {Name: "b.class"}, {Name: "c.class"}}
	frame, err := Composite(reqs)
	require.NoError(t, err)

	var buf bytes.Buffer
	ch := &bufferChannel{w: &buf}
	for {
		done, err := frame.Write(ch)
		require.NoError(t, err)
		if done {
			break
		}
	}

	parts, err := framing.ReadComposite(&buf)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	msg, err := DecodeAs[*ResourceRequest](parts[2])
	require.NoError(t, err)
	assert.Equal(t, "c.class", msg.Name)
}

type bufferChannel struct {
	w *bytes.Buffer
}

func (b *bufferChannel) Read(p []byte) (int, error)  { return 0, nil }
func (b *bufferChannel) Write(p []byte) (int, error) { return b.w.Write(p) }

package loadbalancer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/types"
)

// smoothing is the weight of a new sample in the moving average.
const smoothing = 0.3

// proportionalGroup holds the per-task cost of every live channel created by
// one factory, so that each strategy can compare itself with its siblings.
type proportionalGroup struct {
	mu      sync.Mutex
	members map[*proportional]float64
}

func newProportionalFactory() Factory {
	group := &proportionalGroup{members: make(map[*proportional]float64)}
	return func(params Params) (Strategy, error) {
		initial := params.Int("initialSize", 5)
		if initial < 1 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidSize, initial)
		}
		p := &proportional{
			group:   group,
			initial: initial,
			maxSize: params.Int("maxSize", 0),
		}
		return p, nil
	}
}

type proportional struct {
	group   *proportionalGroup
	initial int
	maxSize int

	// Guarded by group.mu.
	perTask float64
	samples int
}

type proportionalState struct {
	PerTaskNanos float64 `json:"perTaskNanos"`
	Samples      int     `json:"samples"`
}

// NextBundleSize splits the job's pending tasks between channels in inverse
// proportion to their measured cost per task.
func (p *proportional) NextBundleSize(_ ChannelInfo, job *types.Job) (int, error) {
	p.group.mu.Lock()
	defer p.group.mu.Unlock()

	if p.samples == 0 || p.perTask <= 0 {
		return p.initial, nil
	}

	pending := p.initial
	if job != nil {
		pending, _, _ = job.Counts()
	}

	var total float64
	for _, cost := range p.group.members {
		if cost > 0 {
			total += 1 / cost
		}
	}
	if total == 0 {
		return p.initial, nil
	}
	share := (1 / p.perTask) / total
	size := int(share*float64(pending) + 0.5)
	if size < 1 {
		size = 1
	}
	if p.maxSize > 0 && size > p.maxSize {
		size = p.maxSize
	}
	return size, nil
}

// Feedback records the round trip of a completed bundle.
func (p *proportional) Feedback(size int, rtt time.Duration) {
	if size < 1 || rtt <= 0 {
		return
	}
	sample := float64(rtt) / float64(size)

	p.group.mu.Lock()
	defer p.group.mu.Unlock()

	if p.samples == 0 {
		p.perTask = sample
	} else {
		p.perTask = smoothing*sample + (1-smoothing)*p.perTask
	}
	p.samples++
	p.group.members[p] = p.perTask
}

// Dispose removes the channel from the comparison group.
func (p *proportional) Dispose() {
	p.group.mu.Lock()
	defer p.group.mu.Unlock()
	delete(p.group.members, p)
}

// State implements Persistent.
func (p *proportional) State() ([]byte, error) {
	p.group.mu.Lock()
	st := proportionalState{PerTaskNanos: p.perTask, Samples: p.samples}
	p.group.mu.Unlock()
	return json.Marshal(st)
}

// Restore implements Persistent.
func (p *proportional) Restore(state []byte) error {
	var st proportionalState
	if err := json.Unmarshal(state, &st); err != nil {
		return fmt.Errorf("failed to decode proportional state: %w", err)
	}

	p.group.mu.Lock()
	defer p.group.mu.Unlock()
	p.perTask = st.PerTaskNanos
	p.samples = st.Samples
	if p.samples > 0 && p.perTask > 0 {
		p.group.members[p] = p.perTask
	}
	return nil
}

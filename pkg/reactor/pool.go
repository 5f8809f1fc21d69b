package reactor

import (
	"errors"
	"sync"

	"github.com/cuemby/hive/pkg/log"
	"github.com/rs/zerolog"
)

var (
	// ErrPoolStopped is returned when submitting to a stopped pool.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolFull is returned when the pool's queue is at capacity. Submit
	// never blocks so that it is safe to call from a reactor loop.
	ErrPoolFull = errors.New("worker pool queue full")
)

// Pool is a bounded set of goroutines executing hand-off work for the
// reactors: blocking steps such as outbound connects and batched request
// completion.
type Pool struct {
	tasks  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger zerolog.Logger
}

// NewPool starts size workers sharing a queue of the given capacity.
func NewPool(name string, size, queue int) *Pool {
	if size < 1 {
		size = 1
	}
	if queue < 1 {
		queue = 1
	}
	p := &Pool{
		tasks:  make(chan func(), queue),
		stopCh: make(chan struct{}),
		logger: log.WithComponent("pool").With().Str("pool", name).Logger(),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Submit queues fn without blocking.
func (p *Pool) Submit(fn func()) error {
	select {
	case <-p.stopCh:
		return ErrPoolStopped
	default:
	}
	select {
	case p.tasks <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// Stop waits for running tasks and discards queued ones.
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case fn := <-p.tasks:
			p.run(fn)
		}
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("hand-off task panicked")
		}
	}()
	fn()
}

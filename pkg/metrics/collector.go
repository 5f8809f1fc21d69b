package metrics

import (
	"time"
)

// Stats is the point-in-time view of a driver that the collector exports.
type Stats struct {
	// NodesByStatus maps role then status to a channel count.
	NodesByStatus map[string]map[string]int
	QueuedJobs    int
	PendingTasks  int
	Reservations  map[string]int
}

// Collector periodically pulls driver stats into the gauges.
type Collector struct {
	source   func() Stats
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector reading from source every interval.
func NewCollector(source func() Stats, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect updates the gauges once.
func (c *Collector) Collect() {
	stats := c.source()

	NodesTotal.Reset()
	for role, statuses := range stats.NodesByStatus {
		for status, count := range statuses {
			NodesTotal.WithLabelValues(role, status).Set(float64(count))
		}
	}

	QueuedJobs.Set(float64(stats.QueuedJobs))
	PendingTasks.Set(float64(stats.PendingTasks))

	Reservations.Reset()
	for state, count := range stats.Reservations {
		Reservations.WithLabelValues(state).Set(float64(count))
	}
}

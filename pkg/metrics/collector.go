package metrics

import (
	"time"

	"github.com/covey-io/covey/pkg/queue"
	"github.com/covey-io/covey/pkg/registry"
	"github.com/covey-io/covey/pkg/storage"
)

// Collector periodically refreshes gauge metrics from the store,
// the priority queues and the worker registry.
type Collector struct {
	store    storage.Store
	queue    *queue.Queue
	registry *registry.Registry
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, q *queue.Queue, reg *registry.Registry) *Collector {
	return &Collector{
		store:    store,
		queue:    q,
		registry: reg,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
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

func (c *Collector) collect() {
	c.collectJobMetrics()
	c.collectQueueMetrics()
	c.collectWorkerMetrics()
	c.collectDeadLetterMetrics()
}

func (c *Collector) collectJobMetrics() {
	counts, err := c.store.CountJobsByStatus()
	if err != nil {
		return
	}
	JobsTotal.Reset()
	for status, count := range counts {
		JobsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectQueueMetrics() {
	depths := c.queue.Depths()
	QueueDepth.WithLabelValues("high").Set(float64(depths.High))
	QueueDepth.WithLabelValues("normal").Set(float64(depths.Normal))
	QueueDepth.WithLabelValues("low").Set(float64(depths.Low))
}

func (c *Collector) collectWorkerMetrics() {
	workers, err := c.registry.List()
	if err != nil {
		return
	}

	statusCounts := make(map[string]int)
	capacity := 0
	load := 0
	for _, worker := range workers {
		statusCounts[string(worker.Status)]++
		capacity += worker.MaxConcurrent
		load += worker.CurrentJobs
	}

	WorkersTotal.Reset()
	for status, count := range statusCounts {
		WorkersTotal.WithLabelValues(status).Set(float64(count))
	}
	WorkerCapacity.Set(float64(capacity))
	WorkerLoad.Set(float64(load))
}

func (c *Collector) collectDeadLetterMetrics() {
	entries, err := c.store.ListDeadLetters()
	if err != nil {
		return
	}
	DeadLetterDepth.Set(float64(len(entries)))
}

package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RuntimeMetrics records Go runtime statistics for the agent process.
// The instruments land on the Prometheus export alongside the licensing
// metrics so one scrape covers both.
type RuntimeMetrics struct {
	goroutines metric.Int64Gauge
	heapInUse  metric.Int64Gauge
	heapSys    metric.Int64Gauge
	gcCount    metric.Int64Counter
	gcPause    metric.Float64Histogram
	uptime     metric.Float64Gauge

	mu          sync.Mutex
	lastGCCount uint32
}

// NewRuntimeMetrics creates the runtime instrument set on the given meter.
func NewRuntimeMetrics(meter metric.Meter) (*RuntimeMetrics, error) {
	goroutines, err := meter.Int64Gauge(
		"agent_goroutines",
		metric.WithDescription("Number of active goroutines"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create goroutines gauge: %w", err)
	}

	heapInUse, err := meter.Int64Gauge(
		"agent_heap_inuse_bytes",
		metric.WithDescription("Heap memory in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heap gauge: %w", err)
	}

	heapSys, err := meter.Int64Gauge(
		"agent_heap_sys_bytes",
		metric.WithDescription("Heap memory obtained from the OS"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heap sys gauge: %w", err)
	}

	gcCount, err := meter.Int64Counter(
		"agent_gc_total",
		metric.WithDescription("Garbage collections observed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gc counter: %w", err)
	}

	gcPause, err := meter.Float64Histogram(
		"agent_gc_pause_seconds",
		metric.WithDescription("Most recent garbage collection pause"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gc pause histogram: %w", err)
	}

	uptime, err := meter.Float64Gauge(
		"agent_uptime_seconds",
		metric.WithDescription("Process uptime"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create uptime gauge: %w", err)
	}

	return &RuntimeMetrics{
		goroutines: goroutines,
		heapInUse:  heapInUse,
		heapSys:    heapSys,
		gcCount:    gcCount,
		gcPause:    gcPause,
		uptime:     uptime,
	}, nil
}

// RuntimeStats is a point-in-time snapshot of the recorded values.
type RuntimeStats struct {
	Goroutines  int           `json:"goroutines"`
	HeapInUse   uint64        `json:"heap_inuse_bytes"`
	HeapSys     uint64        `json:"heap_sys_bytes"`
	GCCount     uint32        `json:"gc_count"`
	LastGCPause time.Duration `json:"last_gc_pause"`
	Uptime      time.Duration `json:"uptime"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Collect reads the runtime counters, records them on the instruments and
// returns the snapshot.
func (rm *RuntimeMetrics) Collect(ctx context.Context, startTime time.Time) *RuntimeStats {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := &RuntimeStats{
		Goroutines:  runtime.NumGoroutine(),
		HeapInUse:   memStats.HeapInuse,
		HeapSys:     memStats.HeapSys,
		GCCount:     memStats.NumGC,
		LastGCPause: time.Duration(memStats.PauseNs[(memStats.NumGC+255)%256]),
		Uptime:      time.Since(startTime),
		Timestamp:   time.Now().UTC(),
	}

	rm.goroutines.Record(ctx, int64(stats.Goroutines))
	rm.heapInUse.Record(ctx, int64(stats.HeapInUse))
	rm.heapSys.Record(ctx, int64(stats.HeapSys))
	rm.uptime.Record(ctx, stats.Uptime.Seconds())

	// Count collections since the previous snapshot, not the lifetime
	// total: the instrument is a counter.
	if delta := stats.GCCount - rm.lastGCCount; delta > 0 {
		rm.gcCount.Add(ctx, int64(delta))
		rm.gcPause.Record(ctx, stats.LastGCPause.Seconds())
	}
	rm.lastGCCount = stats.GCCount

	return stats
}

// RuntimeMetricsCollector samples the runtime on a fixed interval. Stop
// blocks until the loop has exited, matching the shutdown discipline of
// the other background loops.
type RuntimeMetricsCollector struct {
	metrics   *RuntimeMetrics
	startTime time.Time
	interval  time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRuntimeMetricsCollector creates a collector sampling at the given
// interval.
func NewRuntimeMetricsCollector(meter metric.Meter, interval time.Duration) (*RuntimeMetricsCollector, error) {
	metrics, err := NewRuntimeMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime metrics: %w", err)
	}

	return &RuntimeMetricsCollector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  interval,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}, nil
}

// Start launches the sampling loop.
func (c *RuntimeMetricsCollector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop ends the loop and waits for the goroutine to exit.
func (c *RuntimeMetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	<-c.doneChan
}

func (c *RuntimeMetricsCollector) run(ctx context.Context) {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.metrics.Collect(ctx, c.startTime)

	for {
		select {
		case <-ticker.C:
			c.metrics.Collect(ctx, c.startTime)
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CurrentStats samples immediately, outside the timer cadence.
func (c *RuntimeMetricsCollector) CurrentStats(ctx context.Context) *RuntimeStats {
	return c.metrics.Collect(ctx, c.startTime)
}

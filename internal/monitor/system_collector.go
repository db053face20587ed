package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/events"
	"github.com/t77yq/service-monitor/internal/metrics"
	"github.com/t77yq/service-monitor/internal/scheduler"
)

// SystemSnapshot is the host and scheduler state published on every collection
type SystemSnapshot struct {
	Timestamp   time.Time            `json:"timestamp"`
	CPUUsage    float64              `json:"cpu_usage"`
	MemoryUsage float64              `json:"memory_usage"`
	Jobs        []scheduler.JobStats `json:"jobs,omitempty"`
}

// JobStatsProvider exposes scheduler counters
type JobStatsProvider interface {
	AllStats() []scheduler.JobStats
}

// SystemCollector samples host CPU and memory usage together with the
// scheduler's job counters
type SystemCollector struct {
	logger    *zap.Logger
	publisher events.Publisher
	jobs      JobStatsProvider
	cpu       func(ctx context.Context) ([]float64, error)
	memory    func(ctx context.Context) (float64, error)
}

// NewSystemCollector creates a collector. jobs may be nil.
func NewSystemCollector(logger *zap.Logger, publisher events.Publisher, jobs JobStatsProvider) *SystemCollector {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &SystemCollector{
		logger:    logger.Named("system-collector"),
		publisher: publisher,
		jobs:      jobs,
		cpu: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		memory: func(ctx context.Context) (float64, error) {
			info, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return info.UsedPercent, nil
		},
	}
}

// Collect takes one snapshot, updates the host gauges and publishes it
func (c *SystemCollector) Collect(ctx context.Context) error {
	cpuPercent, err := c.cpu(ctx)
	if err != nil {
		return fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) == 0 {
		return fmt.Errorf("failed to get CPU usage: no samples")
	}

	memPercent, err := c.memory(ctx)
	if err != nil {
		return fmt.Errorf("failed to get memory usage: %w", err)
	}

	snapshot := SystemSnapshot{
		Timestamp:   time.Now().UTC(),
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memPercent,
	}
	if c.jobs != nil {
		snapshot.Jobs = c.jobs.AllStats()
	}

	metrics.HostCPUPercent.Set(snapshot.CPUUsage)
	metrics.HostMemoryPercent.Set(snapshot.MemoryUsage)

	if err := c.publisher.Publish(ctx, events.SubjectSystem, snapshot); err != nil {
		c.logger.Warn("Failed to publish system snapshot", zap.Error(err))
	}

	c.logger.Debug("System metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Int("job_count", len(snapshot.Jobs)))
	return nil
}

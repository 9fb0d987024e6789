// Package telemetry samples host resource usage while sessions run. The
// vision pipeline is CPU heavy, so the periodic snapshot plus the active
// session count is the main capacity signal operators have.
package telemetry

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/proctorly/engine/internal/health"
	"github.com/proctorly/engine/internal/logging"
)

var log = logging.L("telemetry")

// Degraded-host thresholds for the health monitor.
const (
	cpuDegradedPercent = 90.0
	ramDegradedPercent = 90.0
)

// Snapshot is one host resource sample.
type Snapshot struct {
	CPUPercent   float64 `json:"cpuPercent"`
	RAMPercent   float64 `json:"ramPercent"`
	RAMUsedMB    uint64  `json:"ramUsedMb"`
	ProcessCount int     `json:"processCount,omitempty"`
}

// Collector samples host metrics and reports them to the health monitor.
type Collector struct {
	monitor  *health.Monitor
	sessions func() int
}

// NewCollector creates a collector. sessions reports the current active
// session count for the periodic log line.
func NewCollector(monitor *health.Monitor, sessions func() int) *Collector {
	return &Collector{monitor: monitor, sessions: sessions}
}

// Collect takes one snapshot. Individual probe failures leave that field
// zero rather than failing the snapshot.
func (c *Collector) Collect() Snapshot {
	var s Snapshot

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		s.RAMPercent = vmem.UsedPercent
		s.RAMUsedMB = vmem.Used / 1024 / 1024
	}
	if procs, err := process.Processes(); err == nil {
		s.ProcessCount = len(procs)
	}

	return s
}

// Run samples every interval until ctx is cancelled, logging each snapshot
// and updating the host health check.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Collect()
			active := 0
			if c.sessions != nil {
				active = c.sessions()
			}
			log.Info("host telemetry",
				"cpuPercent", s.CPUPercent,
				"ramPercent", s.RAMPercent,
				"ramUsedMb", s.RAMUsedMB,
				"activeSessions", active,
				"health", c.monitor.Overall(),
			)
			c.updateHealth(s)
		}
	}
}

func (c *Collector) updateHealth(s Snapshot) {
	switch {
	case s.CPUPercent > cpuDegradedPercent:
		c.monitor.Update("host", health.Degraded, "cpu saturated")
	case s.RAMPercent > ramDegradedPercent:
		c.monitor.Update("host", health.Degraded, "memory pressure")
	default:
		c.monitor.Update("host", health.Healthy, "")
	}
}

package batch

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/r3e-audit/forensic-engine/internal/models"
)

// Prober reports a point-in-time system-load snapshot used for adaptive
// batch sizing. The production implementation reads the host via
// gopsutil; tests substitute a StaticProber.
type Prober interface {
	Probe(ctx context.Context) (models.HealthStatus, error)
}

// SystemProber probes the host with gopsutil.
type SystemProber struct{}

// Probe samples CPU utilization, available memory, and iowait.
func (SystemProber) Probe(ctx context.Context) (models.HealthStatus, error) {
	hs := models.HealthStatus{Status: "healthy"}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		hs.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hs.MemAvailableGB = float64(vm.Available) / (1 << 30)
	}
	if times, err := cpu.TimesWithContext(ctx, false); err == nil && len(times) > 0 {
		hs.DiskIOWait = times[0].Iowait
	}

	classify(&hs)
	return hs, nil
}

// StaticProber returns a fixed snapshot; used by tests and by deployments
// that disable host probing.
type StaticProber struct {
	Snapshot models.HealthStatus
}

func (p StaticProber) Probe(context.Context) (models.HealthStatus, error) {
	hs := p.Snapshot
	classify(&hs)
	return hs, nil
}

func classify(hs *models.HealthStatus) {
	switch {
	case hs.CPUPercent > 90 || hs.MemAvailableGB < 1:
		hs.Status = "critical"
		hs.Message = "system under heavy load"
	case hs.CPUPercent > 75 || hs.MemAvailableGB < 2:
		hs.Status = "warning"
		hs.Message = "system load elevated"
	default:
		hs.Status = "healthy"
		hs.Message = "system load nominal"
	}
}

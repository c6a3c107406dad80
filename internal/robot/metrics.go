package robot

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// hostMetrics is a point-in-time resource snapshot included in heartbeats.
type hostMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// collectMetrics samples host utilization. Failures degrade to zero values;
// a heartbeat without metrics is still a heartbeat.
func collectMetrics() hostMetrics {
	var m hostMetrics

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		m.DiskPercent = du.UsedPercent
	}
	return m
}

// Package sysinfo samples host metrics published with agent descriptors.
package sysinfo

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/reagent-systems/orc/internal/domain"
)

// Snapshot collects a best-effort host sample. Metrics that cannot be
// read are left at zero; liveness reporting never fails on their account.
func Snapshot() *domain.HostStats {
	stats := &domain.HostStats{}
	if hn, err := os.Hostname(); err == nil {
		stats.Hostname = hn
	}
	if pct, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pct) > 0 {
		stats.CPUUsage = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.RAMUsage = vm.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		stats.UptimeSecs = up
	}
	return stats
}

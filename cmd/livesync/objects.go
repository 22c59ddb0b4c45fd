package main

import (
	"context"
	goruntime "runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// HostStats describes the host the serve command runs on.
type HostStats struct {
	Hostname    string  `json:"hostname" header:"host"`
	Uptime      uint64  `json:"uptime" header:"uptime (s)"`
	LoadAvg     float64 `json:"load_avg" header:"load"`
	MemUsedPct  float64 `json:"mem_used_pct" header:"mem %"`
	MemTotalMiB uint64  `json:"mem_total_mib" header:"mem total (MiB)"`
}

func (HostStats) LiveObjectID() string { return "host-stats" }

// ProcessInfo describes the serving process itself.
type ProcessInfo struct {
	PID        int       `json:"pid" header:"pid"`
	Version    string    `json:"version" header:"version"`
	StartedAt  time.Time `json:"started_at" header:"started"`
	Goroutines int       `json:"goroutines" header:"goroutines"`
	HeapMiB    uint64    `json:"heap_mib" header:"heap (MiB)"`
	Watchers   int       `json:"watchers" header:"peers"`
}

func (ProcessInfo) LiveObjectID() string { return "process-info" }

func collectHostStats(ctx context.Context) HostStats {
	var stats HostStats

	if info, err := host.InfoWithContext(ctx); err == nil {
		stats.Hostname = info.Hostname
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.Uptime = uptime
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		loadavg := avg.Load1 / float64(goruntime.NumCPU())
		stats.LoadAvg = float64(int64(loadavg*100)) / 100 // truncate to 2 digits
	} else {
		logrus.Debugf("[serve] load average: %v", err)
	}
	if vmem, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemUsedPct = float64(int64(vmem.UsedPercent*10)) / 10
		stats.MemTotalMiB = vmem.Total / (1024 * 1024)
	}

	return stats
}

func collectProcessInfo(info *ProcessInfo) {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)

	info.Goroutines = goruntime.NumGoroutine()
	info.HeapMiB = ms.HeapAlloc / (1024 * 1024)
}

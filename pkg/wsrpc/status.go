package wsrpc

import (
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStatus is the host-telemetry half of a STATUS reply: process and
// machine-level facts the core treats as opaque, used only to answer the
// STATUS op. Collection failures degrade individual fields to zero rather
// than failing the STATUS call.
type HostStatus struct {
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heapAllocMb"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	UptimeSeconds uint64  `json:"uptimeSeconds"`
}

// CollectHostStatus samples current process/host telemetry. The CPU
// sample uses an instantaneous (non-blocking) read against gopsutil's
// last-call baseline rather than a blocking interval sample, since STATUS
// callers expect a prompt reply.
func CollectHostStatus() HostStatus {
	var mstats runtime.MemStats
	runtime.ReadMemStats(&mstats)

	status := HostStatus{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(mstats.HeapAlloc) / 1024 / 1024,
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemoryPercent = vm.UsedPercent
	}

	if uptime, err := host.Uptime(); err == nil {
		status.UptimeSeconds = uptime
	}

	return status
}

// pingPayload returns the application payload for a keep-alive PING
// frame: the current epoch-millis as decimal ASCII.
func pingPayload() []byte {
	return []byte(strconv.FormatInt(time.Now().UnixMilli(), 10))
}

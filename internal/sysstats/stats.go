package sysstats

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	log "github.com/sirupsen/logrus"
)

var (
	lastCPUTime        time.Time
	lastCPUUsage       float64
	cpuUsageMutex      sync.Mutex
	cpuUsageSampleRate = 500 * time.Millisecond
)

// Stats is a snapshot of process and host load.
type Stats struct {
	NumCPU      int       `json:"num_cpu"`
	GoRoutines  int       `json:"go_routines"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryAlloc uint64    `json:"memory_alloc"`
	MemorySys   uint64    `json:"memory_sys"`
	Uptime      string    `json:"uptime"`
	Timestamp   time.Time `json:"timestamp"`
}

// CPUUsage returns host CPU utilisation in percent, cached for half a second.
func CPUUsage() float64 {
	cpuUsageMutex.Lock()
	defer cpuUsageMutex.Unlock()

	if !lastCPUTime.IsZero() && time.Since(lastCPUTime) < cpuUsageSampleRate {
		return lastCPUUsage
	}

	percentages, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		log.Warnf("Failed to sample CPU usage: %v", err)
		return 0
	}

	var usage float64
	if len(percentages) > 0 {
		usage = percentages[0]
	}
	lastCPUTime = time.Now()
	lastCPUUsage = usage
	return usage
}

// Collect gathers current statistics. started is the process start time.
func Collect(started time.Time) Stats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	now := time.Now()
	return Stats{
		NumCPU:      runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		CPUUsage:    CPUUsage(),
		MemoryAlloc: mem.Alloc,
		MemorySys:   mem.Sys,
		Uptime:      now.Sub(started).Round(time.Second).String(),
		Timestamp:   now,
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package monitor collects system metrics for the PAYLOAD_STATUS report.
package monitor

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemStats holds collected system metrics.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryFree    uint64  `json:"memory_free_bytes"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
	LoadAverage   float64 `json:"load_average"`
	ProcessRSS    uint64  `json:"process_rss_bytes"`
	ThreadCount   int32   `json:"thread_count"`
}

// DiskStats holds per-mount usage for the storage report.
type DiskStats struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total_bytes"`
	Free        uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// SystemMonitor collects system metrics periodically.
type SystemMonitor struct {
	logger *slog.Logger
	proc   *process.Process
	close  chan struct{}
	wg     sync.WaitGroup
	stats  SystemStats
	mu     sync.RWMutex
}

// NewSystemMonitor creates a new SystemMonitor.
func NewSystemMonitor(logger *slog.Logger) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Debug("failed to open own process handle", "error", err)
		proc = nil
	}
	return &SystemMonitor{
		logger: logger.With("component", "system_monitor"),
		proc:   proc,
		close:  make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the latest collected stats.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

// DiskUsage returns usage for a single mount point.
func DiskUsage(path string) (DiskStats, error) {
	d, err := disk.Usage(path)
	if err != nil {
		return DiskStats{}, err
	}
	return DiskStats{
		Path:        path,
		Total:       d.Total,
		Free:        d.Free,
		UsedPercent: d.UsedPercent,
	}, nil
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	// Initial collection
	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{}

	// CPU
	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	// Memory
	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
		stats.MemoryFree = v.Available
		stats.MemoryTotal = v.Total
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	// Load Avg
	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	// Own process: RSS + thread count
	if sm.proc != nil {
		if mi, err := sm.proc.MemoryInfo(); err == nil && mi != nil {
			stats.ProcessRSS = mi.RSS
		}
		if threads, err := sm.proc.NumThreads(); err == nil {
			stats.ThreadCount = threads
		}
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}

package media

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a snapshot of a child process's resource usage.
type ProcessStats struct {
	PID            int32         `json:"pid"`
	CPUPercent     float64       `json:"cpu_percent"`
	MemoryRSSBytes uint64        `json:"memory_rss_bytes"`
	MemoryPercent  float32       `json:"memory_percent"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	LastUpdated    time.Time     `json:"last_updated"`
}

// ProcessMonitor periodically samples an ffmpeg or yt-dlp child process and
// logs its resource usage. Long extractions on large videos are the usual
// suspects when a host runs hot; the samples make that visible.
type ProcessMonitor struct {
	pid       int32
	label     string
	startedAt time.Time
	interval  time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	stats ProcessStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a monitor for the given pid. label names the
// operation in log lines.
func NewProcessMonitor(pid int, label string, logger *slog.Logger) *ProcessMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessMonitor{
		pid:       int32(pid),
		label:     label,
		startedAt: time.Now(),
		interval:  5 * time.Second,
		logger:    logger,
	}
}

// SetInterval sets the sampling interval.
func (pm *ProcessMonitor) SetInterval(d time.Duration) {
	pm.mu.Lock()
	pm.interval = d
	pm.mu.Unlock()
}

// Start begins sampling until Stop is called.
func (pm *ProcessMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	pm.cancel = cancel

	pm.wg.Add(1)
	go pm.loop(ctx)
}

// Stop halts sampling and waits for the loop to exit.
func (pm *ProcessMonitor) Stop() {
	if pm.cancel != nil {
		pm.cancel()
	}
	pm.wg.Wait()
}

// Stats returns the latest sample.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.stats
}

func (pm *ProcessMonitor) loop(ctx context.Context) {
	defer pm.wg.Done()

	pm.mu.RLock()
	interval := pm.interval
	pm.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	proc, err := process.NewProcess(pm.pid)
	if err != nil {
		// Short-lived commands can exit before the first sample.
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.sample(proc)
		}
	}
}

func (pm *ProcessMonitor) sample(proc *process.Process) {
	now := time.Now()

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return // process exited
	}
	memPercent, _ := proc.MemoryPercent()

	var rss uint64
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		rss = memInfo.RSS
	}

	pm.mu.Lock()
	pm.stats = ProcessStats{
		PID:            pm.pid,
		CPUPercent:     cpuPercent,
		MemoryRSSBytes: rss,
		MemoryPercent:  memPercent,
		StartedAt:      pm.startedAt,
		Duration:       now.Sub(pm.startedAt),
		LastUpdated:    now,
	}
	pm.mu.Unlock()

	pm.logger.Debug("child process sample",
		slog.String("operation", pm.label),
		slog.Int("pid", int(pm.pid)),
		slog.Float64("cpu_percent", cpuPercent),
		slog.Uint64("rss_bytes", rss),
	)
}

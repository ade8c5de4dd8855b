// Package monitor reports agent process health: CPU, memory, goroutines
// and host load. Snapshots are cached briefly so frequent health polls do
// not themselves cost CPU.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const snapshotTTL = 2 * time.Second

// Snapshot is one health report.
type Snapshot struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Goroutines int     `json:"goroutines"`

	Load1 float64 `json:"load1"`
	Load5 float64 `json:"load5"`

	UptimeSeconds int64 `json:"uptime_seconds"`
	AtUnixMs      int64 `json:"at_unix_ms"`
}

type Service struct {
	log     *slog.Logger
	started time.Time

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	takenAt time.Time
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, started: time.Now()}
}

// Snapshot returns the current health report, rebuilding it at most every
// snapshotTTL.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasSnap && time.Since(s.takenAt) < snapshotTTL {
		return s.snap
	}

	snap := Snapshot{
		PID:           int32(os.Getpid()),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		AtUnixMs:      time.Now().UnixMilli(),
	}

	if proc, err := process.NewProcessWithContext(ctx, snap.PID); err == nil {
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			snap.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			snap.RSSBytes = mem.RSS
		}
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
	} else if err != nil {
		s.log.Debug("load average unavailable", "error", err)
	}

	s.snap = snap
	s.hasSnap = true
	s.takenAt = time.Now()
	return snap
}

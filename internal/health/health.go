// Package health reports process and bridge health for /api/health.
package health

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/whatsapp-addon/bridge/internal/hub"
	"github.com/whatsapp-addon/bridge/internal/session"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

type Process struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

type Storage struct {
	Path        string  `json:"path"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

type Sessions struct {
	Total        int `json:"total"`
	Ready        int `json:"ready"`
	AwaitingAuth int `json:"awaitingAuth"`
	Unavailable  int `json:"unavailable"`
}

type Report struct {
	Status   string    `json:"status"`
	Uptime   string    `json:"uptime"`
	Process  *Process  `json:"process,omitempty"`
	Storage  *Storage  `json:"storage,omitempty"`
	Delivery hub.Stats `json:"delivery"`
	Sessions Sessions  `json:"sessions"`
}

// Sources are the parts of the bridge a Reporter inspects.
type Sources struct {
	Sessions   func() []*session.State
	Deliveries func() hub.Stats
	StorageDir string
}

type Reporter struct {
	src   Sources
	start time.Time
	proc  *process.Process
	log   *slog.Logger
}

func NewReporter(src Sources, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{src: src, start: time.Now(), log: logger}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process stats unavailable", "error", err)
	} else {
		r.proc = proc
	}
	return r
}

// Report gathers a fresh health report. Process and storage figures are
// omitted when the platform cannot provide them.
func (r *Reporter) Report(ctx context.Context) Report {
	rep := Report{
		Status: StatusOK,
		Uptime: time.Since(r.start).Round(time.Second).String(),
	}
	if r.src.Deliveries != nil {
		rep.Delivery = r.src.Deliveries()
	}
	if r.src.Sessions != nil {
		rep.Sessions = countSessions(r.src.Sessions())
	}
	if rep.Sessions.Ready < rep.Sessions.Total {
		rep.Status = StatusDegraded
	}
	rep.Process = r.processStats(ctx)
	rep.Storage = r.storageStats(ctx)
	return rep
}

func countSessions(states []*session.State) Sessions {
	var s Sessions
	for _, st := range states {
		s.Total++
		switch st.Phase {
		case session.PhaseReady:
			s.Ready++
		case session.PhaseAwaitingAuth:
			s.AwaitingAuth++
		case session.PhaseRestarting, session.PhaseInvalidated:
			s.Unavailable++
		}
	}
	return s
}

func (r *Reporter) processStats(ctx context.Context) *Process {
	if r.proc == nil {
		return nil
	}
	p := &Process{PID: r.proc.Pid, Goroutines: runtime.NumGoroutine()}
	if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil {
		p.RSSBytes = mem.RSS
	} else {
		r.log.Debug("reading memory info failed", "error", err)
	}
	if cpu, err := r.proc.CPUPercentWithContext(ctx); err == nil {
		p.CPUPercent = cpu
	}
	if n, err := r.proc.NumThreadsWithContext(ctx); err == nil {
		p.Threads = n
	}
	return p
}

func (r *Reporter) storageStats(ctx context.Context) *Storage {
	if r.src.StorageDir == "" {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, r.src.StorageDir)
	if err != nil {
		r.log.Debug("reading storage usage failed", "path", r.src.StorageDir, "error", err)
		return nil
	}
	return &Storage{
		Path:        r.src.StorageDir,
		FreeBytes:   usage.Free,
		UsedPercent: usage.UsedPercent,
	}
}

package handler

import (
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"chatty/internal/app/chat"
	"chatty/internal/pkg/errs"
	"chatty/internal/pkg/resp"
)

// ProcessStats describes the resource usage of the server process and its host.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	RSSBytes      uint64  `json:"rss_bytes"`
	CPUPercent    float64 `json:"cpu_percent"`
	Threads       int32   `json:"threads"`
	Goroutines    int     `json:"goroutines"`
	HostCPU       float64 `json:"host_cpu_percent"`
	HostMemPct    float64 `json:"host_mem_used_percent"`
	HostMemUsedMB float64 `json:"host_mem_used_mb"`
}

// StatsView is the payload of GET /stats and of every /ws/stats frame.
type StatsView struct {
	chat.Status
	Process *ProcessStats `json:"process,omitempty"`
}

func statsView(deps *AppDeps, logger *zerolog.Logger) StatsView {
	return StatsView{
		Status:  deps.Chat.Status(),
		Process: readProcessStats(logger),
	}
}

// readProcessStats samples gopsutil. Samples that fail leave their field at zero;
// nil is returned only when the process itself cannot be inspected.
func readProcessStats(logger *zerolog.Logger) *ProcessStats {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to inspect own process")
		return nil
	}

	ps := &ProcessStats{
		PID:        proc.Pid,
		Goroutines: runtime.NumGoroutine(),
	}

	if memInfo, err := proc.MemoryInfo(); err == nil {
		ps.RSSBytes = memInfo.RSS
	}
	if pct, err := proc.CPUPercent(); err == nil {
		ps.CPUPercent = pct
	}
	if n, err := proc.NumThreads(); err == nil {
		ps.Threads = n
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		ps.HostCPU = pcts[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		ps.HostMemPct = vmem.UsedPercent
		ps.HostMemUsedMB = float64(vmem.Used) / 1024 / 1024
	}

	return ps
}

// HandleStats returns the chat counters, the multiplexer and pool gauges and the
// process resource usage.
func HandleStats(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, statsView(deps, zerolog.Ctx(r.Context())))
	}
}

// HandleDumpStats appends the current counters to the statistics file, the same way
// SIGUSR1 does.
func HandleDumpStats(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := zerolog.Ctx(r.Context())

		if err := deps.Chat.DumpStats(); err != nil {
			logger.Error().Err(err).Msg("Statistics dump failed")
			resp.RespondError(w, r, errs.NewError(errs.ErrStatsDumpFailed))
			return
		}

		logger.Info().Str("file", deps.Config.StatFileName).Msg("Statistics dumped")
		resp.RespondSuccess(w, r, map[string]string{"file": deps.Config.StatFileName})
	}
}

func HandleOnlineUsers(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users := deps.Chat.OnlineUsers()
		if users == nil {
			users = []string{}
		}

		resp.RespondSuccess(w, r, map[string]any{
			"count": len(users),
			"users": users,
		})
	}
}

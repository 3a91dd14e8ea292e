package process

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Stats is a point-in-time resource snapshot of a running child.
type Stats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	NumThreads int32   `json:"num_threads"`
}

// ReadStats samples resource usage for pid. It returns false when the
// process is gone or the platform does not expose the data.
func ReadStats(pid int) (Stats, bool) {
	if pid <= 0 {
		return Stats{}, false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Stats{}, false
	}
	st := Stats{PID: pid}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		st.NumThreads = n
	}
	return st, true
}

//go:build windows

package process

import gopsproc "github.com/shirou/gopsutil/v4/process"

// StartUnix returns when pid started, in Unix seconds, or 0 when it cannot be told.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid)) // #nosec G115
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

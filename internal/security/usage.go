package security

import (
	"encoding/json"
	"fmt"
	"time"
)

// Limit dimension names, in breach priority order.
const (
	DimensionCPU         = "cpu"
	DimensionMemory      = "memory"
	DimensionDisk        = "disk"
	DimensionFileHandles = "file_handles"
	DimensionNetwork     = "network"
	DimensionTimeout     = "timeout"
)

// ResourceUsage is a snapshot of what a sandboxed process has consumed.
// StartTime carries a monotonic clock reading when produced by time.Now.
type ResourceUsage struct {
	CPUTimeUsed            time.Duration
	MemoryUsedMB           uint64
	DiskSpaceUsedMB        uint64
	FileHandlesUsed        uint64
	NetworkConnectionsUsed uint64
	StartTime              time.Time
}

// NewResourceUsage returns zeroed counters starting at now.
func NewResourceUsage(now time.Time) ResourceUsage {
	return ResourceUsage{StartTime: now}
}

// Elapsed returns the wall-clock time since StartTime.
func (u ResourceUsage) Elapsed(now time.Time) time.Duration {
	if u.StartTime.IsZero() {
		return 0
	}
	return now.Sub(u.StartTime)
}

// FirstExceeded returns the first dimension whose usage is above its limit,
// checking cpu, memory, disk, file_handles, network and timeout in that order.
// It returns "" when every dimension is within bounds.
func (u ResourceUsage) FirstExceeded(l ResourceLimits, now time.Time) string {
	switch {
	case u.CPUTimeUsed > l.CPUTimeLimit:
		return DimensionCPU
	case u.MemoryUsedMB > l.MemoryLimitMB:
		return DimensionMemory
	case u.DiskSpaceUsedMB > l.DiskSpaceLimitMB:
		return DimensionDisk
	case u.FileHandlesUsed > l.MaxFileHandles:
		return DimensionFileHandles
	case u.NetworkConnectionsUsed > l.MaxNetworkConnections:
		return DimensionNetwork
	case u.Elapsed(now) > l.ExecutionTimeout:
		return DimensionTimeout
	}
	return ""
}

// ExceedsLimits reports whether any dimension, including wall-clock time, is over its limit.
func (u ResourceUsage) ExceedsLimits(l ResourceLimits) bool {
	return u.FirstExceeded(l, time.Now()) != ""
}

// ToMap returns the JSON form as a structured map, used for event payloads.
func (u ResourceUsage) ToMap() map[string]any {
	return map[string]any{
		"cpu_time_used":            u.CPUTimeUsed.Milliseconds(),
		"memory_used_mb":           u.MemoryUsedMB,
		"disk_space_used_mb":       u.DiskSpaceUsedMB,
		"file_handles_used":        u.FileHandlesUsed,
		"network_connections_used": u.NetworkConnectionsUsed,
		"start_time":               startMillis(u.StartTime),
	}
}

type usageJSON struct {
	CPUTimeUsed            int64  `json:"cpu_time_used"`
	MemoryUsedMB           uint64 `json:"memory_used_mb"`
	DiskSpaceUsedMB        uint64 `json:"disk_space_used_mb"`
	FileHandlesUsed        uint64 `json:"file_handles_used"`
	NetworkConnectionsUsed uint64 `json:"network_connections_used"`
	StartTime              int64  `json:"start_time"`
}

// MarshalJSON encodes durations in ms and StartTime as ms since the Unix epoch.
func (u ResourceUsage) MarshalJSON() ([]byte, error) {
	return json.Marshal(usageJSON{
		CPUTimeUsed:            u.CPUTimeUsed.Milliseconds(),
		MemoryUsedMB:           u.MemoryUsedMB,
		DiskSpaceUsedMB:        u.DiskSpaceUsedMB,
		FileHandlesUsed:        u.FileHandlesUsed,
		NetworkConnectionsUsed: u.NetworkConnectionsUsed,
		StartTime:              startMillis(u.StartTime),
	})
}

// UnmarshalJSON decodes the flat usage object. A zero start_time leaves StartTime zero.
func (u *ResourceUsage) UnmarshalJSON(data []byte) error {
	var w usageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: usage: %v", ErrInvalidConfiguration, err)
	}
	*u = ResourceUsage{
		CPUTimeUsed:            time.Duration(w.CPUTimeUsed) * time.Millisecond,
		MemoryUsedMB:           w.MemoryUsedMB,
		DiskSpaceUsedMB:        w.DiskSpaceUsedMB,
		FileHandlesUsed:        w.FileHandlesUsed,
		NetworkConnectionsUsed: w.NetworkConnectionsUsed,
	}
	if w.StartTime != 0 {
		u.StartTime = time.UnixMilli(w.StartTime)
	}
	return nil
}

func startMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

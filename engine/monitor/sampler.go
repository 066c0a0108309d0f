package monitor

import (
	"runtime"
	"time"
)

// Snapshot is one point-in-time reading of system usage plus the engine's
// own task counts.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	DiskReadMB    float64   `json:"disk_read_mb"`
	DiskWriteMB   float64   `json:"disk_write_mb"`
	NetSentMB     float64   `json:"net_sent_mb"`
	NetRecvMB     float64   `json:"net_recv_mb"`
	ActiveTasks   int       `json:"active_tasks"`
	QueuedTasks   int       `json:"queued_tasks"`
}

// Sampler produces usage snapshots. Embedders with a real system metrics
// provider implement this; the engine ships a conservative default.
type Sampler interface {
	Sample() (*Snapshot, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func() (*Snapshot, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample() (*Snapshot, error) { return f() }

// HostSampler reads what the Go runtime can see of the process: heap
// memory. Metrics the runtime cannot observe (CPU percent, disk, network)
// report zero rather than guessing.
type HostSampler struct{}

// NewHostSampler creates the default sampler.
func NewHostSampler() *HostSampler { return &HostSampler{} }

// Sample implements Sampler.
func (h *HostSampler) Sample() (*Snapshot, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &Snapshot{
		Timestamp: time.Now().UTC(),
		MemoryMB:  float64(ms.HeapAlloc) / (1024 * 1024),
	}, nil
}

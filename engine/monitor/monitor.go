// Package monitor tracks system usage and arbitrates resource admission for
// the document processing engine.
//
// Features:
//   - Periodic usage sampling into a bounded in-memory history
//   - Capacity checks against configured CPU/memory/GPU limits
//   - Named allocations so concurrent admission cannot oversubscribe
//   - Usage averages over a trailing window for load-aware callers
//
// CheckAvailability answers "would this fit right now"; Allocate performs
// the same check and reserves atomically. Admission callers that need the
// reservation must use Allocate, not check-then-allocate.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/docforge-labs/docengine/engine/config"
	"github.com/docforge-labs/docengine/engine/logging"
	"github.com/docforge-labs/docengine/engine/observability"
	"github.com/docforge-labs/docengine/eventbus"
)

// Config bounds what the monitor will admit.
type Config struct {
	CheckInterval   time.Duration `json:"check_interval" yaml:"check_interval"`
	HistorySize     int           `json:"history_size" yaml:"history_size"`
	MaxCPUCores     float64       `json:"max_cpu_cores" yaml:"max_cpu_cores"`
	MaxMemoryMB     float64       `json:"max_memory_mb" yaml:"max_memory_mb"`
	WarningCPUCores float64       `json:"warning_cpu_cores" yaml:"warning_cpu_cores"`
	WarningMemoryMB float64       `json:"warning_memory_mb" yaml:"warning_memory_mb"`
	GPUAvailable    bool          `json:"gpu_available" yaml:"gpu_available"`
	GPUMemoryMB     int           `json:"gpu_memory_mb" yaml:"gpu_memory_mb"`
}

// DefaultConfig returns limits suitable for a medium host: 8 cores, 16 GB,
// no GPU, five minutes of one-second samples.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:   time.Second,
		HistorySize:     300,
		MaxCPUCores:     8,
		MaxMemoryMB:     16384,
		WarningCPUCores: 6,
		WarningMemoryMB: 12288,
	}
}

// AllocationError reports a rejected reservation.
type AllocationError struct {
	TaskID   string
	Resource string
	Reason   string
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation rejected for task %s: %s", e.TaskID, e.Reason)
}

// Stats is a point-in-time summary of the monitor.
type Stats struct {
	Running           bool    `json:"running"`
	Samples           int     `json:"samples"`
	ActiveAllocations int     `json:"active_allocations"`
	AllocatedCPUCores float64 `json:"allocated_cpu_cores"`
	AllocatedMemoryMB float64 `json:"allocated_memory_mb"`
	GPUAllocations    int     `json:"gpu_allocations"`
}

// Monitor samples usage and tracks per-task reservations under one mutex.
type Monitor struct {
	cfg     *Config
	sampler Sampler
	logger  logging.Logger
	bus     *eventbus.Bus

	mu          sync.Mutex
	allocations map[string]config.ResourceRequirements
	history     []*Snapshot
	historyPos  int
	current     *Snapshot
	activeTasks int
	queuedTasks int
	running     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. A nil config uses DefaultConfig; a nil sampler
// uses the host sampler.
func New(cfg *Config, sampler Sampler, logger logging.Logger) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	if sampler == nil {
		sampler = NewHostSampler()
	}
	return &Monitor{
		cfg:         cfg,
		sampler:     sampler,
		logger:      logger,
		allocations: map[string]config.ResourceRequirements{},
		history:     make([]*Snapshot, 0, cfg.HistorySize),
	}
}

// SetEventBus wires pressure warnings. Optional; must be called before Start.
func (m *Monitor) SetEventBus(bus *eventbus.Bus) { m.bus = bus }

// Start launches the sampling loop. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("monitor_started",
		"check_interval", m.cfg.CheckInterval.String(),
		"max_cpu_cores", m.cfg.MaxCPUCores,
		"max_memory_mb", m.cfg.MaxMemoryMB,
	)
	go m.loop(ctx)
}

// Stop halts sampling. Allocations survive a stop so a restart does not
// lose reservations held by running tasks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("monitor_stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	snap, err := m.sampler.Sample()
	if err != nil {
		m.logger.Warn("monitor_sample_failed", "error", err.Error())
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	snap.ActiveTasks = m.activeTasks
	snap.QueuedTasks = m.queuedTasks
	m.current = snap
	if len(m.history) < m.cfg.HistorySize {
		m.history = append(m.history, snap)
	} else {
		m.history[m.historyPos] = snap
		m.historyPos = (m.historyPos + 1) % m.cfg.HistorySize
	}
	allocCPU, allocMem := m.allocatedLocked()
	m.mu.Unlock()

	observability.SetAllocatedResources(allocCPU, allocMem)

	if m.cfg.WarningCPUCores > 0 && allocCPU > m.cfg.WarningCPUCores {
		m.logger.Warn("monitor_cpu_pressure", "allocated_cores", allocCPU, "warning_cores", m.cfg.WarningCPUCores)
		m.emit(eventbus.EventResourceWarning, map[string]any{
			"resource":        "cpu",
			"allocated_cores": allocCPU,
			"warning_cores":   m.cfg.WarningCPUCores,
		})
	}
	if m.cfg.WarningMemoryMB > 0 && allocMem+snap.MemoryMB > m.cfg.WarningMemoryMB {
		m.logger.Warn("monitor_memory_pressure", "allocated_mb", allocMem, "used_mb", snap.MemoryMB, "warning_mb", m.cfg.WarningMemoryMB)
		m.emit(eventbus.EventResourceWarning, map[string]any{
			"resource":     "memory",
			"allocated_mb": allocMem,
			"used_mb":      snap.MemoryMB,
			"warning_mb":   m.cfg.WarningMemoryMB,
		})
	}
}

// emit publishes without blocking; a saturated bus loses a warning rather
// than stalling the sampling loop.
func (m *Monitor) emit(eventType string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	event := eventbus.New(eventType, payload).WithSource("monitor")
	if err := m.bus.TryPublish(context.Background(), event); err != nil {
		m.logger.Debug("monitor_event_dropped", "event_type", eventType, "error", err.Error())
	}
}

// allocatedLocked sums reservations. Caller holds m.mu.
func (m *Monitor) allocatedLocked() (cpu float64, memMB float64) {
	for _, req := range m.allocations {
		cpu += req.CPUCores
		memMB += float64(req.MemoryMB)
	}
	return cpu, memMB
}

// checkLocked answers whether req fits given current usage plus existing
// reservations. Caller holds m.mu.
func (m *Monitor) checkLocked(req config.ResourceRequirements) (bool, string, string) {
	allocCPU, allocMem := m.allocatedLocked()

	usedCPU, usedMem := 0.0, 0.0
	if m.current != nil {
		// CPUPercent is whole-process utilization; convert to cores so it
		// compares against the core-denominated limit.
		usedCPU = m.current.CPUPercent / 100 * float64(runtime.NumCPU())
		usedMem = m.current.MemoryMB
	}

	if req.GPURequired && !m.cfg.GPUAvailable {
		return false, "gpu", "gpu required but not available"
	}
	if req.GPURequired && m.cfg.GPUMemoryMB > 0 {
		gpuAlloc := 0
		for _, r := range m.allocations {
			if r.GPURequired {
				gpuAlloc += r.GPUMemoryMB
			}
		}
		if gpuAlloc+req.GPUMemoryMB > m.cfg.GPUMemoryMB {
			return false, "gpu", fmt.Sprintf(
				"gpu memory exhausted: %d allocated + %d requested > %d limit",
				gpuAlloc, req.GPUMemoryMB, m.cfg.GPUMemoryMB)
		}
	}
	if allocCPU+usedCPU+req.CPUCores > m.cfg.MaxCPUCores {
		return false, "cpu", fmt.Sprintf(
			"cpu exhausted: %.2f allocated + %.2f used + %.2f requested > %.2f limit",
			allocCPU, usedCPU, req.CPUCores, m.cfg.MaxCPUCores)
	}
	if allocMem+usedMem+float64(req.MemoryMB) > m.cfg.MaxMemoryMB {
		return false, "memory", fmt.Sprintf(
			"memory exhausted: %.0f allocated + %.0f used + %d requested > %.0f limit",
			allocMem, usedMem, req.MemoryMB, m.cfg.MaxMemoryMB)
	}
	return true, "", ""
}

// CheckAvailability reports whether req would fit right now and, when it
// would not, a human-readable reason.
func (m *Monitor) CheckAvailability(req config.ResourceRequirements) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, _, reason := m.checkLocked(req)
	return ok, reason
}

// Allocate atomically checks capacity and reserves req under taskID.
// Reserving an already-allocated taskID is an error.
func (m *Monitor) Allocate(taskID string, req config.ResourceRequirements) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocations[taskID]; exists {
		return &AllocationError{TaskID: taskID, Reason: "task already holds an allocation"}
	}
	ok, resource, reason := m.checkLocked(req)
	if !ok {
		observability.RecordResourceRejection(resource)
		return &AllocationError{TaskID: taskID, Resource: resource, Reason: reason}
	}
	m.allocations[taskID] = req
	m.logger.Debug("resources_allocated",
		"task_id", taskID,
		"cpu_cores", req.CPUCores,
		"memory_mb", req.MemoryMB,
		"gpu_required", req.GPURequired,
	)
	return nil
}

// Release frees the reservation for taskID. Idempotent: releasing an
// unknown or already-released task is a no-op.
func (m *Monitor) Release(taskID string) {
	m.mu.Lock()
	_, existed := m.allocations[taskID]
	delete(m.allocations, taskID)
	m.mu.Unlock()
	if existed {
		m.logger.Debug("resources_released", "task_id", taskID)
	}
}

// SetTaskCounts lets the worker pool report queue depths so snapshots carry
// them.
func (m *Monitor) SetTaskCounts(active, queued int) {
	m.mu.Lock()
	m.activeTasks = active
	m.queuedTasks = queued
	m.mu.Unlock()
}

// CurrentUsage returns a copy of the latest snapshot, or nil before the
// first sample.
func (m *Monitor) CurrentUsage() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	copied := *m.current
	return &copied
}

// History returns snapshots from the trailing window, oldest first.
func (m *Monitor) History(window time.Duration) []*Snapshot {
	cutoff := time.Now().Add(-window)
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := m.orderedLocked()
	out := make([]*Snapshot, 0, len(ordered))
	for _, s := range ordered {
		if s.Timestamp.After(cutoff) {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out
}

// orderedLocked returns the ring contents oldest first. Caller holds m.mu.
func (m *Monitor) orderedLocked() []*Snapshot {
	if len(m.history) < m.cfg.HistorySize {
		return m.history
	}
	out := make([]*Snapshot, 0, len(m.history))
	out = append(out, m.history[m.historyPos:]...)
	out = append(out, m.history[:m.historyPos]...)
	return out
}

// Average returns mean usage over the trailing window, or nil when no
// samples fall inside it.
func (m *Monitor) Average(window time.Duration) *Snapshot {
	samples := m.History(window)
	if len(samples) == 0 {
		return nil
	}
	avg := &Snapshot{Timestamp: time.Now().UTC()}
	for _, s := range samples {
		avg.CPUPercent += s.CPUPercent
		avg.MemoryPercent += s.MemoryPercent
		avg.MemoryMB += s.MemoryMB
		avg.DiskReadMB += s.DiskReadMB
		avg.DiskWriteMB += s.DiskWriteMB
		avg.NetSentMB += s.NetSentMB
		avg.NetRecvMB += s.NetRecvMB
	}
	n := float64(len(samples))
	avg.CPUPercent /= n
	avg.MemoryPercent /= n
	avg.MemoryMB /= n
	avg.DiskReadMB /= n
	avg.DiskWriteMB /= n
	avg.NetSentMB /= n
	avg.NetRecvMB /= n
	return avg
}

// Stats summarizes allocations and sampling state.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpu, mem := m.allocatedLocked()
	gpu := 0
	for _, r := range m.allocations {
		if r.GPURequired {
			gpu++
		}
	}
	return Stats{
		Running:           m.running,
		Samples:           len(m.history),
		ActiveAllocations: len(m.allocations),
		AllocatedCPUCores: cpu,
		AllocatedMemoryMB: mem,
		GPUAllocations:    gpu,
	}
}

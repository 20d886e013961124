package pool

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mkrh/fleetd/internal/events"
	"go.uber.org/zap"
)

// Config bounds the pool and tunes its scaling behaviour.
type Config struct {
	MinWorkers           int
	MaxWorkers           int
	TargetQueuePerWorker int
	LowUtilization       float64
}

// DefaultConfig returns sane fleet limits.
func DefaultConfig() Config {
	return Config{
		MinWorkers:           1,
		MaxWorkers:           10,
		TargetQueuePerWorker: 5,
		LowUtilization:       0.3,
	}
}

// WorkerPool is the registry of worker identities, their liveness and
// cumulative metrics. It knows nothing about tasks beyond the opaque
// CurrentTask reference workers report.
type WorkerPool struct {
	mu      sync.Mutex
	workers map[string]*WorkerInfo
	cfg     Config
	prov    Provisioner
	bus     events.Publisher
	logger  *zap.Logger
}

// New creates an empty pool backed by the given provisioner.
func New(cfg Config, prov Provisioner, bus events.Publisher, logger *zap.Logger) *WorkerPool {
	if prov == nil {
		prov = NopProvisioner{}
	}
	if bus == nil {
		bus = events.Nop{}
	}
	return &WorkerPool{
		workers: make(map[string]*WorkerInfo),
		cfg:     cfg,
		prov:    prov,
		bus:     bus,
		logger:  logger,
	}
}

// Register adds a worker to the pool, or refreshes an existing record
// when a restarted worker reconnects under the same ID. Returns false
// when the pool is full.
func (p *WorkerPool) Register(workerID, workerType string, metadata map[string]string) bool {
	p.mu.Lock()
	existing, known := p.workers[workerID]
	if !known && len(p.workers) >= p.cfg.MaxWorkers {
		p.mu.Unlock()
		p.logger.Warn("worker rejected, pool full",
			zap.String("worker", workerID),
			zap.Int("max_workers", p.cfg.MaxWorkers))
		return false
	}

	if known {
		existing.Type = workerType
		existing.Metadata = metadata
		existing.Status = WorkerIdle
		existing.LastHeartbeat = time.Now()
		existing.Healthy = true
		existing.CurrentTask = ""
	} else {
		p.workers[workerID] = &WorkerInfo{
			ID:            workerID,
			Type:          workerType,
			Metadata:      metadata,
			Status:        WorkerIdle,
			LastHeartbeat: time.Now(),
			Healthy:       true,
		}
	}
	p.mu.Unlock()

	p.logger.Info("worker registered",
		zap.String("worker", workerID),
		zap.String("type", workerType),
		zap.Bool("reconnect", known))
	p.publish(events.WorkerRegistered, workerID, map[string]any{"type": workerType})
	return true
}

// Deregister removes a worker from the registry entirely.
func (p *WorkerPool) Deregister(workerID string) bool {
	p.mu.Lock()
	_, ok := p.workers[workerID]
	if ok {
		delete(p.workers, workerID)
	}
	p.mu.Unlock()

	if ok {
		p.logger.Info("worker deregistered", zap.String("worker", workerID))
	}
	return ok
}

// UpdateHeartbeat upserts a worker's liveness and counters. Unknown
// workers are admitted if capacity allows; this is the sole mechanism
// by which the pool learns a worker is alive.
func (p *WorkerPool) UpdateHeartbeat(workerID string, status WorkerStatus, tasksCompleted, unitsFixed, escalations int, currentTask string) bool {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok {
		if len(p.workers) >= p.cfg.MaxWorkers {
			p.mu.Unlock()
			return false
		}
		w = &WorkerInfo{ID: workerID}
		p.workers[workerID] = w
	}
	w.Status = status
	w.TasksCompleted = tasksCompleted
	w.UnitsFixed = unitsFixed
	w.Escalations = escalations
	w.CurrentTask = currentTask
	w.LastHeartbeat = time.Now()
	w.Healthy = status != WorkerOffline && status != WorkerError
	p.mu.Unlock()

	p.publish(events.WorkerHeartbeat, workerID, map[string]any{
		"status":          string(status),
		"tasks_completed": tasksCompleted,
	})
	return true
}

// MarkWorking flags a worker as busy on a task, refreshing its
// heartbeat. Used by the orchestrator on assignment.
func (p *WorkerPool) MarkWorking(workerID, taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return false
	}
	w.Status = WorkerWorking
	w.CurrentTask = taskID
	w.LastHeartbeat = time.Now()
	w.Healthy = true
	return true
}

// MarkIdle returns a worker to idle, bumping its counters by the given
// deltas. Used by the orchestrator on task completion or failure.
func (p *WorkerPool) MarkIdle(workerID string, completedDelta, unitsDelta, escalationDelta int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return false
	}
	w.Status = WorkerIdle
	w.CurrentTask = ""
	w.TasksCompleted += completedDelta
	w.UnitsFixed += unitsDelta
	w.Escalations += escalationDelta
	w.LastHeartbeat = time.Now()
	w.Healthy = true
	return true
}

// CheckHealth marks workers whose heartbeat is older than staleAfter as
// offline and unhealthy, returning the IDs that transitioned on this
// call. Workers already offline are not reported again.
func (p *WorkerPool) CheckHealth(staleAfter time.Duration) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var stale []string
	for id, w := range p.workers {
		if w.Status == WorkerOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > staleAfter {
			w.Status = WorkerOffline
			w.Healthy = false
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)

	if len(stale) > 0 {
		p.logger.Warn("stale workers detected", zap.Strings("workers", stale))
	}
	return stale
}

// RestartWorker records the restart intent and delegates the actual
// process restart to the provisioner.
func (p *WorkerPool) RestartWorker(ctx context.Context, workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if ok {
		w.Status = WorkerOffline
		w.Healthy = false
		w.CurrentTask = ""
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("restart requested for unknown worker", zap.String("worker", workerID))
	} else {
		p.logger.Info("restarting worker", zap.String("worker", workerID))
	}
	return p.prov.Restart(ctx, workerID)
}

// AvailableWorker returns the first idle worker of the given type, or
// "" when none is available. Selection is deterministic by worker ID.
func (p *WorkerPool) AvailableWorker(workerType string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		w := p.workers[id]
		if w.Status == WorkerIdle && (workerType == "" || w.Type == workerType) {
			return id
		}
	}
	return ""
}

// CalculateScaling compares desired pool size against the current one.
// Desired size is queue depth over the per-worker target, clamped to the
// configured bounds. Scale-down is only proposed when utilization is low
// enough that shrinking will not starve in-flight work.
func (p *WorkerPool) CalculateScaling(queueDepth int) (ScalingAction, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := p.cfg.TargetQueuePerWorker
	if target <= 0 {
		target = 5
	}
	desired := int(math.Ceil(float64(queueDepth) / float64(target)))
	if desired < p.cfg.MinWorkers {
		desired = p.cfg.MinWorkers
	}
	if desired > p.cfg.MaxWorkers {
		desired = p.cfg.MaxWorkers
	}

	size := len(p.workers)
	switch {
	case desired > size:
		return ScaleUp, desired - size
	case desired < size && p.utilizationLocked() < p.cfg.LowUtilization:
		return ScaleDown, size - desired
	default:
		return NoChange, 0
	}
}

// utilizationLocked is the working fraction of the pool. Caller holds p.mu.
func (p *WorkerPool) utilizationLocked() float64 {
	if len(p.workers) == 0 {
		return 0
	}
	working := 0
	for _, w := range p.workers {
		if w.Status == WorkerWorking {
			working++
		}
	}
	return float64(working) / float64(len(p.workers))
}

// ApplyScaling asks the provisioner to change the fleet by count workers
// of the given type. Returns the number actually changed.
func (p *WorkerPool) ApplyScaling(ctx context.Context, action ScalingAction, count int, workerType string) int {
	if count <= 0 || action == NoChange {
		return 0
	}

	var (
		changed int
		err     error
	)
	switch action {
	case ScaleUp:
		changed, err = p.prov.Spawn(ctx, workerType, count)
	case ScaleDown:
		changed, err = p.prov.Terminate(ctx, workerType, count)
	}
	if err != nil {
		p.logger.Error("scaling failed",
			zap.String("action", string(action)),
			zap.Int("count", count),
			zap.Error(err))
	}
	if changed > 0 {
		p.logger.Info("scaling applied",
			zap.String("action", string(action)),
			zap.Int("requested", count),
			zap.Int("changed", changed))
	}
	return changed
}

// Metrics summarizes the pool and its workers.
type Metrics struct {
	PoolSize            int          `json:"pool_size"`
	ActiveWorkers       int          `json:"active_workers"`
	TotalTasksCompleted int          `json:"total_tasks_completed"`
	TotalUnitsFixed     int          `json:"total_units_fixed"`
	TotalEscalations    int          `json:"total_escalations"`
	Workers             []WorkerInfo `json:"workers"`
}

// Metrics returns a snapshot of the pool, with per-worker detail sorted
// by worker ID.
func (p *WorkerPool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{PoolSize: len(p.workers)}
	for _, w := range p.workers {
		if w.Status == WorkerWorking {
			m.ActiveWorkers++
		}
		m.TotalTasksCompleted += w.TasksCompleted
		m.TotalUnitsFixed += w.UnitsFixed
		m.TotalEscalations += w.Escalations
		m.Workers = append(m.Workers, *w)
	}
	sort.Slice(m.Workers, func(i, j int) bool { return m.Workers[i].ID < m.Workers[j].ID })
	return m
}

func (p *WorkerPool) publish(typ events.Type, workerID string, fields map[string]any) {
	if err := p.bus.Publish(context.Background(), events.New(typ, "", workerID, fields)); err != nil {
		p.logger.Debug("event publish failed",
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/mkrh/fleetd/internal/events"
	"github.com/mkrh/fleetd/internal/pool"
	"github.com/mkrh/fleetd/internal/queue"
	"github.com/mkrh/fleetd/internal/task"
	"go.uber.org/zap"
)

// Config tunes the orchestrator's background control loops.
type Config struct {
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	ScalingInterval     time.Duration `json:"scaling_interval"`
	CleanupInterval     time.Duration `json:"cleanup_interval"`
	StaleAfter          time.Duration `json:"stale_after"`
	RetentionAge        time.Duration `json:"retention_age"`
	WorkerType          string        `json:"worker_type"`
}

// DefaultConfig returns the stock loop cadence.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 10 * time.Second,
		ScalingInterval:     30 * time.Second,
		CleanupInterval:     time.Hour,
		StaleAfter:          30 * time.Second,
		RetentionAge:        24 * time.Hour,
		WorkerType:          "generic",
	}
}

// Assignment is what a worker receives when it asks for work.
type Assignment struct {
	TaskID   string        `json:"task_id"`
	Task     task.Task     `json:"task"`
	Priority string        `json:"priority"`
	Timeout  time.Duration `json:"timeout"`
}

// Status merges queue and pool metrics with the active configuration.
type Status struct {
	Queue  queue.Metrics `json:"queue"`
	Pool   pool.Metrics  `json:"pool"`
	Config Config        `json:"config"`
}

// FleetOrchestrator ties one TaskQueue to one WorkerPool and runs the
// health-check, scaling and cleanup loops. All coordination between the
// two leaves goes through its methods.
type FleetOrchestrator struct {
	queue  *queue.TaskQueue
	pool   *pool.WorkerPool
	cfg    Config
	bus    events.Publisher
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New wires an orchestrator over the given leaves.
func New(q *queue.TaskQueue, p *pool.WorkerPool, cfg Config, bus events.Publisher, logger *zap.Logger) *FleetOrchestrator {
	if bus == nil {
		bus = events.Nop{}
	}
	return &FleetOrchestrator{
		queue:  q,
		pool:   p,
		cfg:    cfg,
		bus:    bus,
		logger: logger,
	}
}

// SubmitTask enqueues a task for the fleet and returns its ID.
func (o *FleetOrchestrator) SubmitTask(t task.Task, prio queue.Priority, timeout time.Duration) (string, error) {
	return o.queue.Enqueue(t, prio, timeout)
}

// RegisterWorker adds a worker to the pool.
func (o *FleetOrchestrator) RegisterWorker(workerID, workerType string, metadata map[string]string) bool {
	return o.pool.Register(workerID, workerType, metadata)
}

// DeregisterWorker removes a worker from the pool.
func (o *FleetOrchestrator) DeregisterWorker(workerID string) bool {
	return o.pool.Deregister(workerID)
}

// WorkerHeartbeat records a worker's liveness report.
func (o *FleetOrchestrator) WorkerHeartbeat(workerID string, status pool.WorkerStatus, tasksCompleted, unitsFixed, escalations int, currentTask string) bool {
	return o.pool.UpdateHeartbeat(workerID, status, tasksCompleted, unitsFixed, escalations, currentTask)
}

// AssignTaskToWorker hands the highest-priority queued task to the
// worker, marks it in progress, and flags the worker busy. Returns nil
// when the queue is empty.
func (o *FleetOrchestrator) AssignTaskToWorker(workerID string) *Assignment {
	qt := o.queue.Dequeue(workerID)
	if qt == nil {
		return nil
	}
	o.queue.MarkInProgress(qt.Task.ID)
	o.pool.MarkWorking(workerID, qt.Task.ID)

	o.logger.Info("task assigned",
		zap.String("task", qt.Task.ID),
		zap.String("worker", workerID),
		zap.String("priority", qt.Priority.String()))

	return &Assignment{
		TaskID:   qt.Task.ID,
		Task:     qt.Task,
		Priority: qt.Priority.String(),
		Timeout:  qt.Timeout,
	}
}

// CompleteTask records a successful result and returns the worker to
// idle. The result may carry a numeric "units_fixed" field which is
// folded into the worker's counters.
func (o *FleetOrchestrator) CompleteTask(taskID, workerID string, result map[string]any) bool {
	if snap := o.queue.TaskStatus(taskID); snap == nil || snap.AssignedWorker != workerID {
		return false
	}
	if !o.queue.MarkCompleted(taskID, result) {
		return false
	}
	o.pool.MarkIdle(workerID, 1, unitsFixed(result), 0)
	return true
}

// FailTask records a failed attempt and returns the worker to idle.
// Exhausted tasks raise an escalation event.
func (o *FleetOrchestrator) FailTask(taskID, workerID, errMsg string, retry bool) bool {
	if snap := o.queue.TaskStatus(taskID); snap == nil || snap.AssignedWorker != workerID {
		return false
	}
	if !o.queue.MarkFailed(taskID, errMsg, retry) {
		return false
	}
	o.pool.MarkIdle(workerID, 0, 0, 0)

	if snap := o.queue.TaskStatus(taskID); snap != nil && snap.Status == queue.StatusFailed {
		o.publish(events.EscalationNeeded, taskID, workerID, map[string]any{"error": errMsg})
	}
	return true
}

// TaskStatus exposes a task snapshot to callers.
func (o *FleetOrchestrator) TaskStatus(taskID string) *queue.TaskSnapshot {
	return o.queue.TaskStatus(taskID)
}

// Status returns merged queue/pool metrics plus configuration.
func (o *FleetOrchestrator) Status() Status {
	return Status{
		Queue:  o.queue.Metrics(),
		Pool:   o.pool.Metrics(),
		Config: o.cfg,
	}
}

// Start launches the three background loops. Calling Start twice is a
// no-op until Stop.
func (o *FleetOrchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.running = true

	o.wg.Add(3)
	go o.runLoop(ctx, "health-check", o.cfg.HealthCheckInterval, o.healthCheck)
	go o.runLoop(ctx, "scaling", o.cfg.ScalingInterval, o.scalingCheck)
	go o.runLoop(ctx, "cleanup", o.cfg.CleanupInterval, o.cleanup)

	o.logger.Info("orchestrator started",
		zap.Duration("health_check_interval", o.cfg.HealthCheckInterval),
		zap.Duration("scaling_interval", o.cfg.ScalingInterval),
		zap.Duration("cleanup_interval", o.cfg.CleanupInterval))
}

// Stop cancels the loops and waits for them to return. In-flight
// iterations finish; they are never interrupted mid-body.
func (o *FleetOrchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// runLoop drives one control loop on a ticker. Each iteration runs
// inside a recover wrapper so a single bad pass can never kill the loop;
// only context cancellation ends it.
func (o *FleetOrchestrator) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	defer o.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.safeIteration(ctx, name, fn)
		}
	}
}

func (o *FleetOrchestrator) safeIteration(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("loop iteration panicked",
				zap.String("loop", name),
				zap.Any("panic", r))
		}
	}()
	fn(ctx)
}

// healthCheck evicts stale workers and sweeps timed-out tasks back
// through the failure path.
func (o *FleetOrchestrator) healthCheck(ctx context.Context) {
	for _, workerID := range o.pool.CheckHealth(o.cfg.StaleAfter) {
		if err := o.pool.RestartWorker(ctx, workerID); err != nil {
			o.logger.Error("worker restart failed",
				zap.String("worker", workerID),
				zap.Error(err))
		}
	}

	for _, taskID := range o.queue.CheckTimeouts() {
		o.logger.Warn("task timed out", zap.String("task", taskID))
		o.queue.MarkFailed(taskID, "execution timed out", true)
		o.publish(events.EscalationNeeded, taskID, "", map[string]any{"reason": "timeout"})
	}
}

// scalingCheck rebalances pool size against queue depth.
func (o *FleetOrchestrator) scalingCheck(ctx context.Context) {
	depth := o.queue.Depth()
	action, count := o.pool.CalculateScaling(depth)
	if action == pool.NoChange {
		return
	}
	o.logger.Info("scaling decision",
		zap.String("action", string(action)),
		zap.Int("count", count),
		zap.Int("queue_depth", depth))
	o.pool.ApplyScaling(ctx, action, count, o.cfg.WorkerType)
}

// cleanup garbage-collects old completed tasks.
func (o *FleetOrchestrator) cleanup(ctx context.Context) {
	o.queue.CleanupOld(ctx, o.cfg.RetentionAge)
}

func (o *FleetOrchestrator) publish(typ events.Type, taskID, workerID string, fields map[string]any) {
	if err := o.bus.Publish(context.Background(), events.New(typ, taskID, workerID, fields)); err != nil {
		o.logger.Debug("event publish failed",
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}

// unitsFixed pulls an optional numeric units counter out of a result
// payload. Workers report it as JSON, so it may arrive as float64.
func unitsFixed(result map[string]any) int {
	if result == nil {
		return 0
	}
	switch v := result["units_fixed"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

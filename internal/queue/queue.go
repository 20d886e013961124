package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkrh/fleetd/internal/events"
	"github.com/mkrh/fleetd/internal/task"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries = 3
	defaultTimeout    = 60 * time.Second
)

// Archive receives completed tasks before the cleanup sweep deletes
// them. Implementations live outside the queue (a database sink); a nil
// archive means expired tasks are simply dropped.
type Archive interface {
	ArchiveTask(ctx context.Context, qt *QueuedTask) error
}

// item is a heap entry. The sequence number gives FIFO order within a
// priority level.
type item struct {
	t   *QueuedTask
	seq uint64
}

// taskHeap orders by priority (high first), then by insertion sequence.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].t.Priority == h[j].t.Priority {
		return h[i].seq < h[j].seq
	}
	return h[i].t.Priority > h[j].t.Priority
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*item))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// TaskQueue holds all tasks and their scheduling state. Dequeue order is
// strict priority with FIFO tie-break inside each level. All operations
// are safe for concurrent use.
type TaskQueue struct {
	mu    sync.Mutex
	tasks map[string]*QueuedTask
	heap  taskHeap
	seq   uint64

	maxRetries int
	timeout    time.Duration

	totalQueued    int
	totalCompleted int
	totalFailed    int
	totalTimeout   int
	waitTotal      time.Duration
	waitCount      int
	execTotal      time.Duration
	execCount      int

	bus     events.Publisher
	archive Archive
	logger  *zap.Logger
}

// New creates an empty queue with default retry and timeout budgets.
func New(bus events.Publisher, logger *zap.Logger) *TaskQueue {
	if bus == nil {
		bus = events.Nop{}
	}
	return &TaskQueue{
		tasks:      make(map[string]*QueuedTask),
		maxRetries: defaultMaxRetries,
		timeout:    defaultTimeout,
		bus:        bus,
		logger:     logger,
	}
}

// SetDefaults overrides the per-task retry and timeout defaults.
func (q *TaskQueue) SetDefaults(maxRetries int, timeout time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxRetries > 0 {
		q.maxRetries = maxRetries
	}
	if timeout > 0 {
		q.timeout = timeout
	}
}

// SetArchive wires the cleanup sweep to an external task sink.
func (q *TaskQueue) SetArchive(a Archive) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.archive = a
}

// Enqueue adds a task at the given priority. An empty task ID gets a
// generated one; a zero timeout falls back to the queue default.
// Returns the task ID.
func (q *TaskQueue) Enqueue(t task.Task, prio Priority, timeout time.Duration) (string, error) {
	if prio < PriorityLow || prio > PriorityHigh {
		return "", fmt.Errorf("invalid priority %d", prio)
	}
	if timeout < 0 {
		return "", fmt.Errorf("negative timeout %s", timeout)
	}
	if timeout == 0 {
		timeout = q.timeout
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	q.mu.Lock()
	if _, exists := q.tasks[t.ID]; exists {
		q.mu.Unlock()
		return "", fmt.Errorf("task %s already queued", t.ID)
	}

	qt := &QueuedTask{
		Task:       t,
		Priority:   prio,
		Status:     StatusQueued,
		QueuedAt:   time.Now(),
		MaxRetries: q.maxRetries,
		Timeout:    timeout,
		Metadata:   make(map[string]any),
	}
	q.tasks[t.ID] = qt
	q.push(qt)
	q.totalQueued++
	q.mu.Unlock()

	q.logger.Info("task queued",
		zap.String("task", t.ID),
		zap.String("priority", prio.String()))
	q.publish(events.TaskQueued, t.ID, "", map[string]any{
		"title":    t.Title,
		"priority": prio.String(),
	})
	return t.ID, nil
}

// push adds a heap entry for qt. Caller holds q.mu.
func (q *TaskQueue) push(qt *QueuedTask) {
	q.seq++
	heap.Push(&q.heap, &item{t: qt, seq: q.seq})
}

// Dequeue hands the highest-priority queued task to workerID and marks
// it assigned. Returns nil when nothing is queued.
func (q *TaskQueue) Dequeue(workerID string) *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.heap.Len() > 0 {
		it := heap.Pop(&q.heap).(*item)
		qt := it.t
		if qt.Status != StatusQueued {
			// Stale entry left behind by a lifecycle transition.
			continue
		}
		qt.Status = StatusAssigned
		qt.AssignedWorker = workerID
		return qt
	}
	return nil
}

// MarkInProgress records that the assigned worker has started the task.
func (q *TaskQueue) MarkInProgress(taskID string) bool {
	q.mu.Lock()
	qt, ok := q.tasks[taskID]
	if !ok || qt.Status != StatusAssigned {
		q.mu.Unlock()
		return false
	}
	now := time.Now()
	qt.Status = StatusInProgress
	qt.StartedAt = &now
	worker := qt.AssignedWorker
	q.waitTotal += now.Sub(qt.QueuedAt)
	q.waitCount++
	q.mu.Unlock()

	q.publish(events.TaskStarted, taskID, worker, nil)
	return true
}

// MarkCompleted finishes the task and stashes the result payload in its
// metadata.
func (q *TaskQueue) MarkCompleted(taskID string, result map[string]any) bool {
	q.mu.Lock()
	qt, ok := q.tasks[taskID]
	if !ok || qt.Status != StatusInProgress {
		q.mu.Unlock()
		return false
	}
	now := time.Now()
	worker := qt.AssignedWorker
	qt.Status = StatusCompleted
	qt.CompletedAt = &now
	qt.AssignedWorker = ""
	if result != nil {
		qt.Metadata["result"] = result
	}
	q.totalCompleted++
	if qt.StartedAt != nil {
		q.execTotal += now.Sub(*qt.StartedAt)
		q.execCount++
	}
	q.mu.Unlock()

	q.logger.Info("task completed", zap.String("task", taskID), zap.String("worker", worker))
	q.publish(events.TaskCompleted, taskID, worker, nil)
	return true
}

// MarkFailed records a failed attempt. With retry and budget remaining
// the task re-enters the queue at promoted priority; otherwise it lands
// in the terminal failed state.
func (q *TaskQueue) MarkFailed(taskID string, errMsg string, retry bool) bool {
	q.mu.Lock()
	qt, ok := q.tasks[taskID]
	if !ok || (qt.Status != StatusAssigned && qt.Status != StatusInProgress) {
		q.mu.Unlock()
		return false
	}
	worker := qt.AssignedWorker
	qt.RetryCount++
	qt.Metadata["last_error"] = errMsg

	requeued := retry && qt.RetryCount <= qt.MaxRetries
	if requeued {
		qt.Status = StatusQueued
		qt.Priority = promote(qt.Priority, qt.RetryCount)
		qt.AssignedWorker = ""
		qt.StartedAt = nil
		q.push(qt)
	} else {
		now := time.Now()
		qt.Status = StatusFailed
		qt.CompletedAt = &now
		qt.AssignedWorker = ""
		q.totalFailed++
	}
	retries := qt.RetryCount
	q.mu.Unlock()

	if requeued {
		q.logger.Warn("task requeued after failure",
			zap.String("task", taskID),
			zap.String("worker", worker),
			zap.Int("retry", retries),
			zap.String("error", errMsg))
		q.publish(events.TaskQueued, taskID, "", map[string]any{"retry": retries})
	} else {
		q.logger.Error("task failed",
			zap.String("task", taskID),
			zap.String("worker", worker),
			zap.Int("retries", retries),
			zap.String("error", errMsg))
		q.publish(events.TaskFailed, taskID, worker, map[string]any{"error": errMsg})
	}
	return true
}

// CheckTimeouts returns the IDs of in-progress tasks that overran their
// timeout. Callers route each ID through MarkFailed; this only detects
// and counts.
func (q *TaskQueue) CheckTimeouts() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var stuck []string
	for id, qt := range q.tasks {
		if qt.Status != StatusInProgress || qt.StartedAt == nil {
			continue
		}
		if now.Sub(*qt.StartedAt) > qt.Timeout {
			q.totalTimeout++
			stuck = append(stuck, id)
		}
	}
	return stuck
}

// TaskStatus returns a snapshot of the task, or nil if unknown.
func (q *TaskQueue) TaskStatus(taskID string) *TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	qt, ok := q.tasks[taskID]
	if !ok {
		return nil
	}
	return &TaskSnapshot{
		ID:             qt.Task.ID,
		Title:          qt.Task.Title,
		Priority:       qt.Priority.String(),
		Status:         qt.Status,
		AssignedWorker: qt.AssignedWorker,
		RetryCount:     qt.RetryCount,
		QueuedAt:       qt.QueuedAt,
		StartedAt:      qt.StartedAt,
		CompletedAt:    qt.CompletedAt,
	}
}

// WorkerLoad counts tasks currently assigned to or running on a worker.
func (q *TaskQueue) WorkerLoad(workerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, qt := range q.tasks {
		if qt.AssignedWorker == workerID &&
			(qt.Status == StatusAssigned || qt.Status == StatusInProgress) {
			n++
		}
	}
	return n
}

// Depth returns the number of tasks waiting in queued state.
func (q *TaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *TaskQueue) depthLocked() int {
	n := 0
	for _, qt := range q.tasks {
		if qt.Status == StatusQueued {
			n++
		}
	}
	return n
}

// Metrics summarizes queue throughput and latency.
type Metrics struct {
	Depth           int            `json:"queue_depth"`
	DepthByPriority map[string]int `json:"depth_by_priority"`
	TotalQueued     int            `json:"total_queued"`
	TotalCompleted  int            `json:"total_completed"`
	TotalFailed     int            `json:"total_failed"`
	TotalTimeout    int            `json:"total_timeout"`
	AvgWaitMs       float64        `json:"avg_wait_ms"`
	AvgExecutionMs  float64        `json:"avg_execution_ms"`
}

// Metrics returns a consistent snapshot of the queue counters.
func (q *TaskQueue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPrio := map[string]int{
		PriorityLow.String():    0,
		PriorityNormal.String(): 0,
		PriorityHigh.String():   0,
	}
	for _, qt := range q.tasks {
		if qt.Status == StatusQueued {
			byPrio[qt.Priority.String()]++
		}
	}

	m := Metrics{
		Depth:           q.depthLocked(),
		DepthByPriority: byPrio,
		TotalQueued:     q.totalQueued,
		TotalCompleted:  q.totalCompleted,
		TotalFailed:     q.totalFailed,
		TotalTimeout:    q.totalTimeout,
	}
	if q.waitCount > 0 {
		m.AvgWaitMs = float64(q.waitTotal.Milliseconds()) / float64(q.waitCount)
	}
	if q.execCount > 0 {
		m.AvgExecutionMs = float64(q.execTotal.Milliseconds()) / float64(q.execCount)
	}
	return m
}

// CleanupOld removes completed tasks older than maxAge, handing each one
// to the archive first when one is wired. Failed tasks are retained so
// operators can inspect them. Returns the number removed.
func (q *TaskQueue) CleanupOld(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	var expired []*QueuedTask
	for _, qt := range q.tasks {
		if qt.Status == StatusCompleted && qt.CompletedAt != nil && qt.CompletedAt.Before(cutoff) {
			expired = append(expired, qt)
		}
	}
	archive := q.archive
	q.mu.Unlock()

	// Archive outside the lock; the sink may do I/O.
	for _, qt := range expired {
		if archive == nil {
			continue
		}
		if err := archive.ArchiveTask(ctx, qt); err != nil {
			q.logger.Warn("archive task failed",
				zap.String("task", qt.Task.ID),
				zap.Error(err))
		}
	}

	q.mu.Lock()
	removed := 0
	for _, qt := range expired {
		if _, ok := q.tasks[qt.Task.ID]; ok {
			delete(q.tasks, qt.Task.ID)
			removed++
		}
	}
	q.mu.Unlock()

	if removed > 0 {
		q.logger.Info("cleaned up old tasks", zap.Int("removed", removed))
	}
	return removed
}

// publish sends a lifecycle event without letting a broken bus affect
// queue state.
func (q *TaskQueue) publish(typ events.Type, taskID, workerID string, fields map[string]any) {
	if err := q.bus.Publish(context.Background(), events.New(typ, taskID, workerID, fields)); err != nil {
		q.logger.Debug("event publish failed",
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}

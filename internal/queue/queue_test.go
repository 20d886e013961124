package queue

import (
	"context"
	"testing"
	"time"

	"github.com/mkrh/fleetd/internal/task"
	"go.uber.org/zap"
)

func newTestQueue() *TaskQueue {
	return New(nil, zap.NewNop())
}

func mustEnqueue(t *testing.T, q *TaskQueue, title string, prio Priority) string {
	t.Helper()
	id, err := q.Enqueue(task.Task{Title: title}, prio, 0)
	if err != nil {
		t.Fatalf("enqueue %s: %v", title, err)
	}
	return id
}

func TestDequeuePriorityOrdering(t *testing.T) {
	q := newTestQueue()
	low := mustEnqueue(t, q, "low", PriorityLow)
	normal := mustEnqueue(t, q, "normal", PriorityNormal)
	high := mustEnqueue(t, q, "high", PriorityHigh)

	for i, want := range []string{high, normal, low} {
		qt := q.Dequeue("w1")
		if qt == nil {
			t.Fatalf("dequeue %d: got nil", i)
		}
		if qt.Task.ID != want {
			t.Errorf("dequeue %d: got %s, want %s", i, qt.Task.ID, want)
		}
	}
	if qt := q.Dequeue("w1"); qt != nil {
		t.Errorf("expected empty queue, got %s", qt.Task.ID)
	}
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	q := newTestQueue()
	a := mustEnqueue(t, q, "a", PriorityNormal)
	b := mustEnqueue(t, q, "b", PriorityNormal)
	c := mustEnqueue(t, q, "c", PriorityNormal)

	for _, want := range []string{a, b, c} {
		qt := q.Dequeue("w1")
		if qt == nil || qt.Task.ID != want {
			t.Fatalf("got %v, want %s", qt, want)
		}
	}
}

func TestRetryPromotion(t *testing.T) {
	q := newTestQueue()
	id := mustEnqueue(t, q, "flaky", PriorityNormal)

	q.Dequeue("w1")
	if !q.MarkInProgress(id) {
		t.Fatal("mark in progress failed")
	}
	if !q.MarkFailed(id, "boom", true) {
		t.Fatal("mark failed failed")
	}

	snap := q.TaskStatus(id)
	if snap.Status != StatusQueued {
		t.Errorf("status = %s, want %s", snap.Status, StatusQueued)
	}
	if snap.Priority != PriorityHigh.String() {
		t.Errorf("priority = %s, want high", snap.Priority)
	}
	if snap.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", snap.RetryCount)
	}
	if snap.AssignedWorker != "" {
		t.Errorf("assigned worker = %q, want empty", snap.AssignedWorker)
	}
}

func TestRetryExhaustion(t *testing.T) {
	q := newTestQueue()
	id := mustEnqueue(t, q, "doomed", PriorityNormal)

	for attempt := 0; attempt < 4; attempt++ {
		qt := q.Dequeue("w1")
		if qt == nil {
			t.Fatalf("attempt %d: nothing to dequeue", attempt)
		}
		q.MarkInProgress(id)
		q.MarkFailed(id, "boom", true)
	}

	snap := q.TaskStatus(id)
	if snap.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", snap.Status, StatusFailed)
	}
	if snap.RetryCount != 4 {
		t.Errorf("retry count = %d, want 4", snap.RetryCount)
	}
	if got := q.Metrics().TotalFailed; got != 1 {
		t.Errorf("total failed = %d, want 1", got)
	}
	if qt := q.Dequeue("w1"); qt != nil {
		t.Errorf("exhausted task was requeued as %s", qt.Task.ID)
	}
}

func TestCheckTimeouts(t *testing.T) {
	q := newTestQueue()
	id, err := q.Enqueue(task.Task{Title: "slow"}, PriorityNormal, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	q.Dequeue("w1")
	q.MarkInProgress(id)

	// Backdate the start so the task is well past its 1s budget.
	past := time.Now().Add(-5 * time.Second)
	q.mu.Lock()
	q.tasks[id].StartedAt = &past
	q.mu.Unlock()

	stuck := q.CheckTimeouts()
	if len(stuck) != 1 || stuck[0] != id {
		t.Fatalf("stuck = %v, want [%s]", stuck, id)
	}
	if got := q.Metrics().TotalTimeout; got != 1 {
		t.Errorf("total timeout = %d, want 1", got)
	}

	// A task within budget is not reported.
	id2 := mustEnqueue(t, q, "fast", PriorityNormal)
	q.MarkFailed(id, "timed out", false)
	q.Dequeue("w2")
	q.MarkInProgress(id2)
	if stuck := q.CheckTimeouts(); len(stuck) != 0 {
		t.Errorf("stuck = %v, want none", stuck)
	}
}

func TestCleanupIdempotence(t *testing.T) {
	q := newTestQueue()
	id := mustEnqueue(t, q, "done", PriorityNormal)
	q.Dequeue("w1")
	q.MarkInProgress(id)
	q.MarkCompleted(id, nil)

	old := time.Now().Add(-25 * time.Hour)
	q.mu.Lock()
	q.tasks[id].CompletedAt = &old
	q.mu.Unlock()

	ctx := context.Background()
	if n := q.CleanupOld(ctx, 24*time.Hour); n != 1 {
		t.Fatalf("first cleanup removed %d, want 1", n)
	}
	if n := q.CleanupOld(ctx, 24*time.Hour); n != 0 {
		t.Errorf("second cleanup removed %d, want 0", n)
	}
	if snap := q.TaskStatus(id); snap != nil {
		t.Errorf("task still present after cleanup: %+v", snap)
	}
}

func TestCleanupRetainsFailedTasks(t *testing.T) {
	q := newTestQueue()
	id := mustEnqueue(t, q, "broken", PriorityNormal)
	q.Dequeue("w1")
	q.MarkInProgress(id)
	q.MarkFailed(id, "boom", false)

	old := time.Now().Add(-48 * time.Hour)
	q.mu.Lock()
	q.tasks[id].CompletedAt = &old
	q.mu.Unlock()

	if n := q.CleanupOld(context.Background(), 24*time.Hour); n != 0 {
		t.Errorf("cleanup removed %d failed tasks, want 0", n)
	}
	if snap := q.TaskStatus(id); snap == nil {
		t.Error("failed task was removed by cleanup")
	}
}

type fakeArchive struct {
	archived []string
}

func (f *fakeArchive) ArchiveTask(_ context.Context, qt *QueuedTask) error {
	f.archived = append(f.archived, qt.Task.ID)
	return nil
}

func TestCleanupArchivesBeforeDelete(t *testing.T) {
	q := newTestQueue()
	sink := &fakeArchive{}
	q.SetArchive(sink)

	id := mustEnqueue(t, q, "done", PriorityNormal)
	q.Dequeue("w1")
	q.MarkInProgress(id)
	q.MarkCompleted(id, map[string]any{"ok": true})

	old := time.Now().Add(-25 * time.Hour)
	q.mu.Lock()
	q.tasks[id].CompletedAt = &old
	q.mu.Unlock()

	q.CleanupOld(context.Background(), 24*time.Hour)
	if len(sink.archived) != 1 || sink.archived[0] != id {
		t.Errorf("archived = %v, want [%s]", sink.archived, id)
	}
}

func TestAssignedWorkerInvariant(t *testing.T) {
	q := newTestQueue()
	id := mustEnqueue(t, q, "tracked", PriorityNormal)

	check := func(stage string) {
		t.Helper()
		q.mu.Lock()
		qt := q.tasks[id]
		assigned := qt.AssignedWorker != ""
		inFlight := qt.Status == StatusAssigned || qt.Status == StatusInProgress
		q.mu.Unlock()
		if assigned != inFlight {
			t.Errorf("%s: assigned_worker set=%v but in-flight=%v", stage, assigned, inFlight)
		}
	}

	check("queued")
	q.Dequeue("w1")
	check("assigned")
	q.MarkInProgress(id)
	check("in_progress")
	q.MarkFailed(id, "boom", true)
	check("requeued")
	q.Dequeue("w2")
	q.MarkInProgress(id)
	q.MarkCompleted(id, nil)
	check("completed")
}

func TestMarkTransitionsRejectWrongState(t *testing.T) {
	q := newTestQueue()
	id := mustEnqueue(t, q, "strict", PriorityNormal)

	if q.MarkInProgress(id) {
		t.Error("mark in progress succeeded on queued task")
	}
	if q.MarkCompleted(id, nil) {
		t.Error("mark completed succeeded on queued task")
	}
	if q.MarkInProgress("no-such-task") {
		t.Error("mark in progress succeeded on unknown task")
	}
	if q.MarkFailed("no-such-task", "x", true) {
		t.Error("mark failed succeeded on unknown task")
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue()
	if _, err := q.Enqueue(task.Task{Title: "x"}, Priority(9), 0); err == nil {
		t.Error("expected error for invalid priority")
	}
	if _, err := q.Enqueue(task.Task{Title: "x"}, PriorityNormal, -time.Second); err == nil {
		t.Error("expected error for negative timeout")
	}

	id := mustEnqueue(t, q, "first", PriorityNormal)
	if _, err := q.Enqueue(task.Task{ID: id, Title: "dup"}, PriorityNormal, 0); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestWorkerLoad(t *testing.T) {
	q := newTestQueue()
	a := mustEnqueue(t, q, "a", PriorityNormal)
	mustEnqueue(t, q, "b", PriorityNormal)
	mustEnqueue(t, q, "c", PriorityNormal)

	q.Dequeue("w1")
	q.Dequeue("w1")
	q.Dequeue("w2")
	q.MarkInProgress(a)

	if got := q.WorkerLoad("w1"); got != 2 {
		t.Errorf("w1 load = %d, want 2", got)
	}
	if got := q.WorkerLoad("w2"); got != 1 {
		t.Errorf("w2 load = %d, want 1", got)
	}
	if got := q.WorkerLoad("w3"); got != 0 {
		t.Errorf("w3 load = %d, want 0", got)
	}
}

func TestMetricsDepths(t *testing.T) {
	q := newTestQueue()
	mustEnqueue(t, q, "h", PriorityHigh)
	mustEnqueue(t, q, "n1", PriorityNormal)
	mustEnqueue(t, q, "n2", PriorityNormal)
	mustEnqueue(t, q, "l", PriorityLow)
	q.Dequeue("w1") // removes the high task from queued state

	m := q.Metrics()
	if m.Depth != 3 {
		t.Errorf("depth = %d, want 3", m.Depth)
	}
	if m.DepthByPriority["high"] != 0 || m.DepthByPriority["normal"] != 2 || m.DepthByPriority["low"] != 1 {
		t.Errorf("depth by priority = %v", m.DepthByPriority)
	}
	if m.TotalQueued != 4 {
		t.Errorf("total queued = %d, want 4", m.TotalQueued)
	}
}

package material

import (
	"sync"
	"time"
)

// TaskStatus is the local lifecycle state of an UploadTask.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// UploadTask is one logical unit of work: one drama's material for one date,
// tied to a record in the tracking table by RecordID.
type UploadTask struct {
	RecordID  string
	Drama     string
	Date      string
	Account   string
	Files     []string
	Status    TaskStatus
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueStats is a point-in-time aggregate over the scheduler's queue,
// recomputed on demand.
type QueueStats struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
}

// Total returns the number of tasks across every state.
func (s QueueStats) Total() int {
	return s.Pending + s.Running + s.Completed + s.Failed + s.Skipped
}

// taskQueue holds the scheduler's tasks. Access is serialized because the
// scheduler is single-flight, but fetch cycles and Stats() can race against
// the processing loop, so all mutation goes through the mutex.
type taskQueue struct {
	mu    sync.Mutex
	tasks []*UploadTask
	seen  map[string]struct{}

	// Counters for tasks already swept out of the active slice, so Stats()
	// stays cumulative across fetch cycles.
	sweptCompleted int
	sweptFailed    int
	sweptSkipped   int
}

func newTaskQueue() *taskQueue {
	return &taskQueue{seen: make(map[string]struct{})}
}

// enqueue adds tasks whose record id has not been seen before and returns
// how many were actually added. A record re-surfaced by the backend while a
// task for it is still tracked locally is dropped, which keeps a failed
// record from piling up duplicates across fetch cycles.
func (q *taskQueue) enqueue(tasks []*UploadTask) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	added := 0
	for _, task := range tasks {
		if task == nil || task.RecordID == "" {
			continue
		}
		if _, dup := q.seen[task.RecordID]; dup {
			continue
		}
		q.seen[task.RecordID] = struct{}{}
		now := time.Now()
		task.Status = TaskStatusPending
		task.CreatedAt = now
		task.UpdatedAt = now
		q.tasks = append(q.tasks, task)
		added++
	}
	return added
}

// nextPending returns the first pending task, or nil.
func (q *taskQueue) nextPending() *UploadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, task := range q.tasks {
		if task.Status == TaskStatusPending {
			return task
		}
	}
	return nil
}

// release drops a terminal task's record id from the dedup set so a later
// fetch cycle can re-surface the same record (used for failed tasks, which
// the backend intentionally re-serves after a status revert).
func (q *taskQueue) release(recordID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.seen, recordID)
}

// sweepTerminal drops completed, skipped, and failed tasks from the active
// queue and releases their record ids, so a record the backend re-serves
// later (say, after its material finally exports) is accepted again instead
// of being treated as a duplicate for the life of the process.
func (q *taskQueue) sweepTerminal() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.tasks[:0]
	removed := 0
	for _, task := range q.tasks {
		switch task.Status {
		case TaskStatusCompleted:
			q.sweptCompleted++
		case TaskStatusSkipped:
			q.sweptSkipped++
		case TaskStatusFailed:
			q.sweptFailed++
		default:
			kept = append(kept, task)
			continue
		}
		delete(q.seen, task.RecordID)
		removed++
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
	return removed
}

func (q *taskQueue) setStatus(task *UploadTask, status TaskStatus, lastError string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Status = status
	task.LastError = lastError
	task.UpdatedAt = time.Now()
}

func (q *taskQueue) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueStats{
		Completed: q.sweptCompleted,
		Failed:    q.sweptFailed,
		Skipped:   q.sweptSkipped,
	}
	for _, task := range q.tasks {
		switch task.Status {
		case TaskStatusPending:
			s.Pending++
		case TaskStatusRunning:
			s.Running++
		case TaskStatusCompleted:
			s.Completed++
		case TaskStatusFailed:
			s.Failed++
		case TaskStatusSkipped:
			s.Skipped++
		}
	}
	return s
}

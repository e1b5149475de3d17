package material

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// JobStatus is the lifecycle state of one transfer pool item.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobActive    JobStatus = "active"
	JobSuccess   JobStatus = "success"
	JobError     JobStatus = "error"
	JobPaused    JobStatus = "paused"
	JobCancelled JobStatus = "cancelled"
)

// Outcome classifies one processing attempt. The pool driver, not the
// attempt itself, decides what an outcome means for the job.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeStalled
	OutcomeFailed
)

var (
	errJobStalled   = errors.New("transfer stalled")
	errJobPaused    = errors.New("transfer paused")
	errJobCancelled = errors.New("transfer cancelled")
)

// TransferJob is one item in the pool. The pool owns it exclusively while
// active; once terminal it is inert.
type TransferJob struct {
	ID           string
	FileID       string
	Path         string
	Status       JobStatus
	Progress     float64
	LastProgress time.Time
	Retries      int
	LastError    string

	cancel context.CancelCauseFunc
}

// TransferFunc performs the actual transfer for a job. It reports progress
// through the callback and must return promptly once ctx is cancelled.
type TransferFunc func(ctx context.Context, job *TransferJob, report func(pct float64)) error

// PoolConfig tunes the transfer pool.
type PoolConfig struct {
	Workers int
	// StallCheckInterval is how often active jobs are checked for stalls.
	StallCheckInterval time.Duration
	// StallThreshold flags an active job whose last progress update is
	// older than this.
	StallThreshold time.Duration
	// MaxRetries bounds how many times a stalled job is requeued.
	MaxRetries int
	Transfer   TransferFunc
}

func (cfg PoolConfig) withDefaults() PoolConfig {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.StallCheckInterval <= 0 {
		cfg.StallCheckInterval = 10 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 2 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return cfg
}

// TransferPool processes transfer jobs with bounded concurrency. Workers
// pull from a shared queue; a stalled job is cancelled and re-appended to
// the end of the queue until its retry ceiling, so stalled work naturally
// falls behind fresh work.
type TransferPool struct {
	cfg PoolConfig

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*TransferJob
	jobs   map[string]*TransferJob
	active int
	closed bool

	wg sync.WaitGroup
}

// NewTransferPool builds a pool; Transfer is required.
func NewTransferPool(cfg PoolConfig) (*TransferPool, error) {
	if cfg.Transfer == nil {
		return nil, errors.New("transfer function cannot be nil")
	}
	p := &TransferPool{
		cfg:  cfg.withDefaults(),
		jobs: make(map[string]*TransferJob),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Enqueue adds a new job to the end of the queue and returns its id.
func (p *TransferPool) Enqueue(fileID, path string) string {
	job := &TransferJob{
		ID:     uuid.NewString(),
		FileID: fileID,
		Path:   path,
		Status: JobPending,
	}
	p.mu.Lock()
	p.jobs[job.ID] = job
	p.queue = append(p.queue, job)
	p.mu.Unlock()
	p.cond.Broadcast()
	return job.ID
}

// Job returns a snapshot of the job with the given id.
func (p *TransferPool) Job(id string) (TransferJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return TransferJob{}, false
	}
	snapshot := *job
	snapshot.cancel = nil
	return snapshot, true
}

// Start launches the workers and the stall monitor. They stop when ctx is
// cancelled or Close is called.
func (p *TransferPool) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.Close()
	}()
	p.wg.Add(1)
	go p.stallMonitor(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Close stops the workers once the queue is no longer being served.
func (p *TransferPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Wait blocks until every worker has exited.
func (p *TransferPool) Wait() {
	p.wg.Wait()
}

// Drain blocks until every enqueued job is terminal, then returns. It does
// not stop the workers.
func (p *TransferPool) Drain(ctx context.Context) error {
	watch := context.AfterFunc(ctx, func() { p.cond.Broadcast() })
	defer watch()
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.closed {
			return errors.New("pool closed")
		}
		if len(p.queue) == 0 && p.active == 0 {
			return nil
		}
		p.cond.Wait()
	}
}

func (p *TransferPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed && len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		if job.Status != JobPending {
			// Paused or cancelled while queued.
			p.mu.Unlock()
			p.cond.Broadcast()
			continue
		}
		job.Status = JobActive
		job.LastProgress = time.Now()
		jobCtx, cancel := context.WithCancelCause(ctx)
		job.cancel = cancel
		p.active++
		p.mu.Unlock()

		outcome, err := p.attempt(jobCtx, job)
		cancel(nil)
		p.settle(job, jobCtx, outcome, err)
	}
}

// attempt runs the transfer once and classifies the result.
func (p *TransferPool) attempt(ctx context.Context, job *TransferJob) (Outcome, error) {
	report := func(pct float64) {
		p.mu.Lock()
		// Cancellation wins over a pending progress update.
		if job.Status == JobActive {
			job.Progress = pct
			job.LastProgress = time.Now()
		}
		p.mu.Unlock()
	}
	err := p.cfg.Transfer(ctx, job, report)
	if err == nil {
		return OutcomeSuccess, nil
	}
	switch context.Cause(ctx) {
	case errJobStalled:
		return OutcomeStalled, err
	case errJobPaused, errJobCancelled:
		// Not an outcome; the pause/cancel path already set the status.
		return OutcomeFailed, err
	}
	return OutcomeFailed, err
}

// settle applies the driver's requeue-vs-terminal decision.
func (p *TransferPool) settle(job *TransferJob, jobCtx context.Context, outcome Outcome, err error) {
	p.mu.Lock()
	defer func() {
		p.active--
		p.mu.Unlock()
		p.cond.Broadcast()
	}()

	job.cancel = nil
	if job.Status != JobActive {
		// Paused or cancelled mid-flight; leave the status alone.
		return
	}

	switch outcome {
	case OutcomeSuccess:
		job.Status = JobSuccess
		job.Progress = 100
	case OutcomeStalled:
		job.Retries++
		if job.Retries <= p.cfg.MaxRetries {
			job.Status = JobPending
			job.Progress = 0
			job.LastError = errJobStalled.Error()
			p.queue = append(p.queue, job)
			log.Warn().Str("job_id", job.ID).Str("file", job.FileID).Int("retries", job.Retries).Msg("stalled transfer requeued")
		} else {
			job.Status = JobError
			job.LastError = "stalled beyond retry ceiling"
			log.Error().Str("job_id", job.ID).Str("file", job.FileID).Msg("transfer abandoned after repeated stalls")
		}
	case OutcomeFailed:
		if cause := context.Cause(jobCtx); cause == errJobCancelled {
			job.Status = JobCancelled
			return
		} else if cause == errJobPaused {
			job.Status = JobPaused
			return
		}
		job.Status = JobError
		if err != nil {
			job.LastError = err.Error()
		}
	}
}

// stallMonitor periodically cancels active jobs that have not reported
// progress within the stall threshold.
func (p *TransferPool) stallMonitor(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.StallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		now := time.Now()
		for _, job := range p.jobs {
			if job.Status != JobActive || job.cancel == nil {
				continue
			}
			if now.Sub(job.LastProgress) < p.cfg.StallThreshold {
				continue
			}
			log.Warn().Str("job_id", job.ID).Str("file", job.FileID).Msg("transfer stalled, cancelling")
			job.cancel(errJobStalled)
		}
		p.mu.Unlock()
	}
}

// Pause marks a job paused. An in-flight transfer is cancelled; a queued job
// is skipped when a worker reaches it.
func (p *TransferPool) Pause(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return errors.Errorf("unknown job %s", id)
	}
	switch job.Status {
	case JobPending:
		job.Status = JobPaused
	case JobActive:
		job.Status = JobPaused
		if job.cancel != nil {
			job.cancel(errJobPaused)
		}
	default:
		return errors.Errorf("job %s is %s, cannot pause", id, job.Status)
	}
	return nil
}

// Resume re-appends a paused job to the end of the queue.
func (p *TransferPool) Resume(id string) error {
	p.mu.Lock()
	job, ok := p.jobs[id]
	if !ok {
		p.mu.Unlock()
		return errors.Errorf("unknown job %s", id)
	}
	if job.Status != JobPaused {
		p.mu.Unlock()
		return errors.Errorf("job %s is %s, cannot resume", id, job.Status)
	}
	job.Status = JobPending
	p.queue = append(p.queue, job)
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

// CancelJob cancels a job in any non-terminal state; cancellation always
// wins over an in-flight transfer.
func (p *TransferPool) CancelJob(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return errors.Errorf("unknown job %s", id)
	}
	switch job.Status {
	case JobPending, JobPaused:
		job.Status = JobCancelled
	case JobActive:
		job.Status = JobCancelled
		if job.cancel != nil {
			job.cancel(errJobCancelled)
		}
	default:
		return errors.Errorf("job %s is already %s", id, job.Status)
	}
	return nil
}

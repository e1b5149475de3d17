package material

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wuchao05/changdu-material/internal/feishu"
	"github.com/wuchao05/changdu-material/internal/storage"
)

// Tracking-table status sentinels, aliased locally so scheduler code reads
// in English.
const (
	statusAwaitingUpload = feishu.StatusAwaitingUpload
	statusUploading      = feishu.StatusUploading
	statusReadyToLaunch  = feishu.StatusReadyToLaunch
	statusSkipped        = feishu.StatusSkipped
)

// CheckpointStore is the persistence surface the scheduler needs for batch
// progress. *storage.CheckpointStore satisfies it.
type CheckpointStore interface {
	Get(recordID string) (*storage.UploadCheckpoint, error)
	Put(cp storage.UploadCheckpoint) error
	Clear(recordID string) error
}

// SchedulerState is the scheduler-level lifecycle.
type SchedulerState int

const (
	SchedulerIdle SchedulerState = iota
	SchedulerRunning
	SchedulerStopped
)

// SchedulerConfig wires the scheduler's collaborators and tuning knobs.
type SchedulerConfig struct {
	Source      TaskSource
	Uploader    *BatchUploader
	Session     UploadSession
	Checkpoints CheckpointStore

	// LocalRootDir is the root under which per-day export directories live.
	LocalRootDir string
	// FetchInterval is the periodic poll interval when the queue is idle.
	FetchInterval time.Duration
	// QueueIdleDelay is the short re-check interval when the queue is
	// empty between fetches.
	QueueIdleDelay time.Duration
	// MaxFailuresPerTask is the partial-success threshold: a task whose
	// upload leaves at most this many files unconfirmed still counts as
	// successful. Zero tolerates nothing; a negative value selects the
	// default of 2.
	MaxFailuresPerTask int
	// KeepLocalFiles disables deleting a drama's directory on success.
	KeepLocalFiles bool
}

// Scheduler pulls tasks from the tracking backend and processes them one at
// a time through the single automation session.
type Scheduler struct {
	cfg   SchedulerConfig
	queue *taskQueue

	stateMu sync.Mutex
	state   SchedulerState
	cancel  context.CancelFunc
	done    chan struct{}
}

type taskOutcome int

const (
	outcomeCompleted taskOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// NewScheduler validates the configuration and applies defaults.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Source == nil {
		return nil, errors.New("task source cannot be nil")
	}
	if cfg.Uploader == nil {
		return nil, errors.New("batch uploader cannot be nil")
	}
	if cfg.Session == nil {
		return nil, errors.New("upload session cannot be nil")
	}
	if cfg.Checkpoints == nil {
		return nil, errors.New("checkpoint store cannot be nil")
	}
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 5 * time.Minute
	}
	if cfg.QueueIdleDelay <= 0 {
		cfg.QueueIdleDelay = 5 * time.Second
	}
	if cfg.MaxFailuresPerTask < 0 {
		cfg.MaxFailuresPerTask = 2
	}
	return &Scheduler{
		cfg:   cfg,
		queue: newTaskQueue(),
	}, nil
}

// Start moves the scheduler to Running. It fails fast when the local root
// directory is not configured or the automation session has no valid login.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.LocalRootDir == "" {
		return ErrRootDirNotConfigured
	}
	if !s.cfg.Session.Authenticated() {
		return ErrSessionUnavailable
	}

	s.stateMu.Lock()
	if s.state == SchedulerRunning {
		s.stateMu.Unlock()
		return errors.New("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.state = SchedulerRunning
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.stateMu.Unlock()

	go func() {
		defer close(done)
		s.run(runCtx)
	}()
	return nil
}

// Stop halts processing, cancels any in-flight batch upload, and tears down
// the automation session.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state != SchedulerRunning {
		s.stateMu.Unlock()
		return nil
	}
	s.state = SchedulerStopped
	cancel := s.cancel
	done := s.done
	s.stateMu.Unlock()

	s.cfg.Uploader.Cancel()
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.cfg.Session.Close(ctx); err != nil {
		return errors.Wrap(err, "close automation session")
	}
	return nil
}

// State reports the current lifecycle state.
func (s *Scheduler) State() SchedulerState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Stats recomputes queue aggregates on demand.
func (s *Scheduler) Stats() QueueStats {
	return s.queue.stats()
}

// run is the processing loop. One immediate fetch happens on entry; after
// that, a completed task triggers an immediate re-fetch (event-driven mode)
// while skipped and failed completions fall back to the periodic timer, so a
// record that keeps skipping cannot be pulled in a tight loop.
func (s *Scheduler) run(ctx context.Context) {
	s.fetchAndEnqueue(ctx)

	ticker := time.NewTicker(s.cfg.FetchInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		task := s.queue.nextPending()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fetchAndEnqueue(ctx)
			case <-time.After(s.cfg.QueueIdleDelay):
			}
			continue
		}

		outcome := s.processTask(ctx, task)
		if ctx.Err() != nil {
			return
		}
		if outcome == outcomeCompleted {
			s.fetchAndEnqueue(ctx)
		}
	}
}

func (s *Scheduler) fetchAndEnqueue(ctx context.Context) int {
	if swept := s.queue.sweepTerminal(); swept > 0 {
		log.Debug().Int("swept", swept).Msg("swept terminal tasks")
	}
	tasks, err := s.cfg.Source.FetchPendingTasks(ctx, TaskFilter{})
	if err != nil {
		log.Error().Err(err).Msg("fetch pending tasks failed")
		return 0
	}
	added := s.queue.enqueue(tasks)
	if added > 0 {
		log.Info().Int("added", added).Int("fetched", len(tasks)).Msg("enqueued upload tasks")
	}
	return added
}

// processTask runs one task end to end.
func (s *Scheduler) processTask(ctx context.Context, task *UploadTask) taskOutcome {
	s.queue.setStatus(task, TaskStatusRunning, "")
	logger := log.With().Str("record_id", task.RecordID).Str("drama", task.Drama).Str("date", task.Date).Logger()

	files, err := ResolveMaterialFiles(s.cfg.LocalRootDir, task.Date, task.Drama)
	if err != nil {
		logger.Error().Err(err).Msg("resolve local material failed")
		s.queue.setStatus(task, TaskStatusFailed, err.Error())
		s.queue.release(task.RecordID)
		return outcomeFailed
	}
	if len(files) == 0 {
		logger.Info().Msg("no local material yet, skipping")
		s.updateRemoteStatus(ctx, task.RecordID, statusSkipped)
		s.queue.setStatus(task, TaskStatusSkipped, "")
		return outcomeSkipped
	}
	task.Files = files

	s.updateRemoteStatus(ctx, task.RecordID, statusUploading)

	totalBatches := s.cfg.Uploader.PlanBatchCount(len(files))
	startBatch := s.resumeBatch(task, totalBatches)

	s.cfg.Uploader.ResetCancel()
	run, uploadErr := s.cfg.Uploader.UploadAll(ctx, task.Account, files, startBatch, func(batchIndex int) error {
		return s.cfg.Checkpoints.Put(storage.UploadCheckpoint{
			RecordID:         task.RecordID,
			Drama:            task.Drama,
			Date:             task.Date,
			Account:          task.Account,
			TotalBatches:     totalBatches,
			CompletedBatches: batchIndex + 1,
		})
	})

	if uploadErr == nil {
		return s.finishSuccess(ctx, task, logger)
	}
	if run.Cancelled {
		logger.Warn().Msg("upload cancelled")
		s.updateRemoteStatus(ctx, task.RecordID, statusAwaitingUpload)
		s.queue.setStatus(task, TaskStatusFailed, "cancelled")
		s.queue.release(task.RecordID)
		return outcomeFailed
	}

	// Partial-success threshold: a handful of unconfirmed files does not
	// fail the whole task.
	confirmed := startBatch*s.cfg.Uploader.BatchSize() + run.ConfirmedFiles
	if missing := len(files) - confirmed; missing <= s.cfg.MaxFailuresPerTask {
		logger.Warn().Int("missing", missing).Msg("accepting upload with tolerated failures")
		return s.finishSuccess(ctx, task, logger)
	}

	logger.Error().Err(uploadErr).Msg("upload failed")
	s.updateRemoteStatus(ctx, task.RecordID, statusAwaitingUpload)
	remarkCtx, cancelRemark := remoteWriteContext(ctx)
	defer cancelRemark()
	if err := s.cfg.Source.WriteRemark(remarkCtx, task.RecordID, uploadErr.Error()); err != nil {
		logger.Warn().Err(err).Msg("write failure remark failed")
	}
	s.queue.setStatus(task, TaskStatusFailed, uploadErr.Error())
	s.queue.release(task.RecordID)
	return outcomeFailed
}

func (s *Scheduler) finishSuccess(ctx context.Context, task *UploadTask, logger zerolog.Logger) taskOutcome {
	s.updateRemoteStatus(ctx, task.RecordID, statusReadyToLaunch)
	if err := s.cfg.Checkpoints.Clear(task.RecordID); err != nil {
		logger.Warn().Err(err).Msg("clear checkpoint failed")
	}
	if !s.cfg.KeepLocalFiles {
		dir := MaterialDir(s.cfg.LocalRootDir, task.Date, task.Drama)
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("remove local material failed")
		}
	}
	s.queue.setStatus(task, TaskStatusCompleted, "")
	logger.Info().Int("files", len(task.Files)).Msg("task completed")
	return outcomeCompleted
}

// resumeBatch returns the first incomplete batch index when a checkpoint
// matches the current batch plan. A plan mismatch invalidates the stale
// checkpoint.
func (s *Scheduler) resumeBatch(task *UploadTask, totalBatches int) int {
	cp, err := s.cfg.Checkpoints.Get(task.RecordID)
	if err != nil {
		log.Warn().Err(err).Str("record_id", task.RecordID).Msg("read checkpoint failed")
		return 0
	}
	if cp == nil {
		return 0
	}
	if cp.TotalBatches != totalBatches {
		log.Info().
			Str("record_id", task.RecordID).
			Int("checkpoint_total", cp.TotalBatches).
			Int("plan_total", totalBatches).
			Msg("batch plan changed, discarding checkpoint")
		if err := s.cfg.Checkpoints.Clear(task.RecordID); err != nil {
			log.Warn().Err(err).Msg("clear stale checkpoint failed")
		}
		return 0
	}
	if cp.CompletedBatches > 0 {
		log.Info().
			Str("record_id", task.RecordID).
			Int("completed", cp.CompletedBatches).
			Int("total", totalBatches).
			Msg("resuming from checkpoint")
	}
	return cp.CompletedBatches
}

// remoteWriteTimeout bounds best-effort backend writes issued after the run
// context has already been cancelled (the shutdown path).
const remoteWriteTimeout = 10 * time.Second

// remoteWriteContext returns ctx while it is live. Once the run context is
// cancelled the status revert still has to land, or the record stays stuck
// at 上传中 and is never re-fetched; those writes get a fresh bounded context.
func remoteWriteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), remoteWriteTimeout)
}

func (s *Scheduler) updateRemoteStatus(ctx context.Context, recordID, status string) {
	writeCtx, cancel := remoteWriteContext(ctx)
	defer cancel()
	if err := s.cfg.Source.UpdateStatus(writeCtx, recordID, status); err != nil {
		log.Warn().Err(err).Str("record_id", recordID).Str("status", status).Msg("update remote status failed")
	}
}

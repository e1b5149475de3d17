package material

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// UploadSession is the automation browser surface the uploader drives. The
// session owns the page and its login state; the uploader only sequences
// DOM-level affordances through it. Exactly one goroutine may drive a
// session at a time.
type UploadSession interface {
	// Authenticated reports whether the persisted browser profile still
	// holds a valid login.
	Authenticated() bool
	// OpenCreativePage navigates to the upload portal for the account.
	OpenCreativePage(ctx context.Context, account string) error
	// TriggerUpload clicks the upload affordance.
	TriggerUpload(ctx context.Context) error
	// WaitForSurface blocks until the upload surface has rendered.
	WaitForSurface(ctx context.Context) error
	// SubmitFiles supplies local file paths to the upload surface.
	SubmitFiles(ctx context.Context, paths []string) error
	// CountIndicators samples the per-file progress indicators, returning
	// how many are present and how many show the success marker.
	CountIndicators(ctx context.Context) (found, succeeded int, err error)
	// Commit confirms the batch on the page.
	Commit(ctx context.Context) error
	// Cancel abandons the batch on the page.
	Cancel(ctx context.Context) error
	// Reload reloads the page, resetting any stuck upload surface.
	Reload(ctx context.Context) error
	// Close tears the session down.
	Close(ctx context.Context) error
}

// BatchState is one step of a single batch attempt.
type BatchState int

const (
	BatchIdle BatchState = iota
	BatchTriggering
	BatchWaitingForSurface
	BatchFilesSubmitted
	BatchPolling
	BatchFullySuccessful
	BatchPartiallySuccessful
	BatchTimedOut
	BatchError
)

func (s BatchState) String() string {
	switch s {
	case BatchIdle:
		return "idle"
	case BatchTriggering:
		return "triggering"
	case BatchWaitingForSurface:
		return "waiting_for_surface"
	case BatchFilesSubmitted:
		return "files_submitted"
	case BatchPolling:
		return "polling"
	case BatchFullySuccessful:
		return "fully_successful"
	case BatchPartiallySuccessful:
		return "partially_successful"
	case BatchTimedOut:
		return "timed_out"
	case BatchError:
		return "error"
	default:
		return "unknown"
	}
}

// terminal reports whether the state ends a batch attempt.
func (s BatchState) terminal() bool {
	switch s {
	case BatchFullySuccessful, BatchPartiallySuccessful, BatchTimedOut, BatchError:
		return true
	}
	return false
}

// pollObservation is one sample of the upload surface during polling.
type pollObservation struct {
	Indicators int
	Succeeded  int
	Elapsed    time.Duration
}

// UploaderConfig tunes the batch upload workflow.
type UploaderConfig struct {
	BatchSize int
	// PollInterval is the gap between indicator samples.
	PollInterval time.Duration
	// EarlyExitWindow aborts a batch whose indicator count is still short
	// of the expected count after this long, rather than waiting out the
	// full timeout.
	EarlyExitWindow time.Duration
	// PollTimeout is the hard ceiling for one batch attempt.
	PollTimeout time.Duration
	// MaxAttempts bounds retries per batch.
	MaxAttempts int
	// RetryCooldown is the wait after a page reload before retrying.
	RetryCooldown time.Duration
	// InterBatchDelayMin/Max bound the randomized pause between batches.
	InterBatchDelayMin time.Duration
	InterBatchDelayMax time.Duration
	// FinalBatchDelay is the longer pause after a task's last batch.
	FinalBatchDelay time.Duration
}

func (cfg UploaderConfig) withDefaults() UploaderConfig {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.EarlyExitWindow <= 0 {
		cfg.EarlyExitWindow = 2 * time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 8 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = 10 * time.Second
	}
	if cfg.InterBatchDelayMin <= 0 {
		cfg.InterBatchDelayMin = 5 * time.Second
	}
	if cfg.InterBatchDelayMax <= cfg.InterBatchDelayMin {
		cfg.InterBatchDelayMax = cfg.InterBatchDelayMin + 10*time.Second
	}
	if cfg.FinalBatchDelay <= 0 {
		cfg.FinalBatchDelay = 30 * time.Second
	}
	return cfg
}

// nextPollState decides the next state from one indicator sample. It is a
// pure function of the observation, the expected file count, and the config,
// so the whole polling policy is unit-testable without a browser.
func nextPollState(obs pollObservation, expected int, cfg UploaderConfig) BatchState {
	if obs.Indicators >= expected && obs.Succeeded >= expected {
		return BatchFullySuccessful
	}
	if obs.Elapsed >= cfg.PollTimeout {
		return BatchTimedOut
	}
	if obs.Elapsed >= cfg.EarlyExitWindow && obs.Indicators < expected {
		// The surface never rendered the full set.
		if obs.Indicators == 0 {
			return BatchTimedOut
		}
		if obs.Succeeded >= obs.Indicators {
			// Everything that rendered has succeeded; accept the subset.
			return BatchPartiallySuccessful
		}
		// A subset that still shows failures may yet settle; keep polling
		// until the hard ceiling decides.
	}
	return BatchPolling
}

// BatchResult is the outcome of one batch (after retries).
type BatchResult struct {
	Success      bool
	SuccessCount int
	Cancelled    bool
}

// BatchUploader partitions a task's files into fixed-size batches and drives
// each through the automation session sequentially.
type BatchUploader struct {
	session   UploadSession
	cfg       UploaderConfig
	cancelled atomic.Bool
	rng       *rand.Rand
}

// NewBatchUploader wires an uploader to a session.
func NewBatchUploader(session UploadSession, cfg UploaderConfig) (*BatchUploader, error) {
	if session == nil {
		return nil, errors.New("upload session cannot be nil")
	}
	return &BatchUploader{
		session: session,
		cfg:     cfg.withDefaults(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Cancel raises the global cancellation flag. The in-flight batch aborts at
// its next poll checkpoint.
func (u *BatchUploader) Cancel() { u.cancelled.Store(true) }

// ResetCancel clears the flag before a new task.
func (u *BatchUploader) ResetCancel() { u.cancelled.Store(false) }

// partitionBatches splits files into consecutive slices of at most size.
func partitionBatches(files []string, size int) [][]string {
	if size <= 0 || len(files) == 0 {
		return nil
	}
	batches := make([][]string, 0, (len(files)+size-1)/size)
	for start := 0; start < len(files); start += size {
		end := start + size
		if end > len(files) {
			end = len(files)
		}
		batches = append(batches, files[start:end])
	}
	return batches
}

// BatchSize exposes the effective batch size after defaulting.
func (u *BatchUploader) BatchSize() int { return u.cfg.BatchSize }

// PlanBatchCount returns how many batches the file list partitions into.
func (u *BatchUploader) PlanBatchCount(fileCount int) int {
	if fileCount <= 0 {
		return 0
	}
	return (fileCount + u.cfg.BatchSize - 1) / u.cfg.BatchSize
}

// UploadRun summarizes one UploadAll invocation.
type UploadRun struct {
	TotalBatches     int
	CompletedBatches int
	// ConfirmedFiles counts files the page confirmed in this run,
	// including the best partial of a batch that ultimately failed.
	ConfirmedFiles int
	Cancelled      bool
}

// UploadAll uploads files batch by batch, starting at startBatch (0-based,
// for checkpoint resume). After each fully successful batch it invokes
// onBatchDone with the completed batch index before moving on. It stops at
// the first batch that fails after retries; the returned UploadRun carries
// how far it got either way.
func (u *BatchUploader) UploadAll(ctx context.Context, account string, files []string, startBatch int, onBatchDone func(batchIndex int) error) (UploadRun, error) {
	batches := partitionBatches(files, u.cfg.BatchSize)
	run := UploadRun{TotalBatches: len(batches)}
	if len(batches) == 0 {
		return run, nil
	}
	if startBatch < 0 {
		startBatch = 0
	}
	if startBatch >= len(batches) {
		run.CompletedBatches = 0
		return run, nil
	}

	if err := u.session.OpenCreativePage(ctx, account); err != nil {
		return run, errors.Wrap(err, "open creative page")
	}

	for i := startBatch; i < len(batches); i++ {
		result := u.uploadBatchWithRetry(ctx, i, batches[i])
		if result.Cancelled {
			run.Cancelled = true
			return run, errors.New("upload cancelled")
		}
		if !result.Success {
			run.ConfirmedFiles += result.SuccessCount
			return run, errors.Errorf("batch %d failed after %d attempts (best partial: %d/%d files)",
				i+1, u.cfg.MaxAttempts, result.SuccessCount, len(batches[i]))
		}
		run.CompletedBatches++
		run.ConfirmedFiles += len(batches[i])
		if onBatchDone != nil {
			if cbErr := onBatchDone(i); cbErr != nil {
				log.Error().Err(cbErr).Int("batch", i+1).Msg("batch completion callback failed")
			}
		}
		if i < len(batches)-1 {
			u.sleepCancellable(ctx, u.interBatchDelay())
		} else {
			u.sleepCancellable(ctx, u.cfg.FinalBatchDelay)
		}
	}
	return run, nil
}

func (u *BatchUploader) interBatchDelay() time.Duration {
	span := u.cfg.InterBatchDelayMax - u.cfg.InterBatchDelayMin
	return u.cfg.InterBatchDelayMin + time.Duration(u.rng.Int63n(int64(span)+1))
}

// uploadBatchWithRetry drives one batch through up to MaxAttempts attempts,
// reloading the page and cooling down between attempts. Cancellation aborts
// without consuming the current attempt.
func (u *BatchUploader) uploadBatchWithRetry(ctx context.Context, batchIndex int, files []string) BatchResult {
	best := 0
	for attempt := 1; attempt <= u.cfg.MaxAttempts; attempt++ {
		result, state := u.uploadBatchOnce(ctx, files)
		if result.Cancelled {
			return result
		}
		if state == BatchFullySuccessful {
			log.Info().Int("batch", batchIndex+1).Int("files", len(files)).Int("attempt", attempt).Msg("batch upload succeeded")
			return result
		}
		if result.SuccessCount > best {
			best = result.SuccessCount
		}
		log.Warn().
			Int("batch", batchIndex+1).
			Int("attempt", attempt).
			Str("state", state.String()).
			Int("partial", result.SuccessCount).
			Msg("batch attempt did not fully succeed")
		if attempt == u.cfg.MaxAttempts {
			break
		}
		if err := u.session.Reload(ctx); err != nil {
			log.Error().Err(err).Msg("reload page before retry failed")
		}
		if !u.sleepCancellable(ctx, u.cfg.RetryCooldown) {
			return BatchResult{Cancelled: true}
		}
	}
	return BatchResult{Success: false, SuccessCount: best}
}

// uploadBatchOnce is one attempt: Idle → Triggering → WaitingForSurface →
// FilesSubmitted → Polling → terminal.
func (u *BatchUploader) uploadBatchOnce(ctx context.Context, files []string) (BatchResult, BatchState) {
	if u.cancelled.Load() {
		return BatchResult{Cancelled: true}, BatchError
	}
	if err := u.session.TriggerUpload(ctx); err != nil {
		log.Error().Err(err).Msg("trigger upload failed")
		return BatchResult{}, BatchError
	}
	if err := u.session.WaitForSurface(ctx); err != nil {
		log.Error().Err(err).Msg("upload surface did not render")
		return BatchResult{}, BatchError
	}
	if err := u.session.SubmitFiles(ctx, files); err != nil {
		log.Error().Err(err).Msg("submit files failed")
		return BatchResult{}, BatchError
	}

	expected := len(files)
	started := time.Now()
	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if u.cancelled.Load() {
			return BatchResult{Cancelled: true}, BatchError
		}
		select {
		case <-ctx.Done():
			return BatchResult{Cancelled: true}, BatchError
		case <-ticker.C:
		}
		if u.cancelled.Load() {
			return BatchResult{Cancelled: true}, BatchError
		}

		found, succeeded, err := u.session.CountIndicators(ctx)
		if err != nil {
			log.Error().Err(err).Msg("sample upload indicators failed")
			return BatchResult{}, BatchError
		}
		obs := pollObservation{Indicators: found, Succeeded: succeeded, Elapsed: time.Since(started)}
		state := nextPollState(obs, expected, u.cfg)
		if !state.terminal() {
			continue
		}
		switch state {
		case BatchFullySuccessful:
			if err := u.session.Commit(ctx); err != nil {
				log.Error().Err(err).Msg("commit batch failed")
				return BatchResult{}, BatchError
			}
			return BatchResult{Success: true, SuccessCount: expected}, state
		case BatchPartiallySuccessful:
			if err := u.session.Cancel(ctx); err != nil {
				log.Error().Err(err).Msg("cancel partial batch failed")
			}
			return BatchResult{Success: false, SuccessCount: obs.Succeeded}, state
		default:
			if err := u.session.Cancel(ctx); err != nil {
				log.Error().Err(err).Msg("cancel timed-out batch failed")
			}
			return BatchResult{}, state
		}
	}
}

// sleepCancellable waits for d, returning early (false) on context or global
// cancellation.
func (u *BatchUploader) sleepCancellable(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !u.cancelled.Load()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	check := time.NewTicker(50 * time.Millisecond)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return !u.cancelled.Load()
		case <-check.C:
			if u.cancelled.Load() {
				return false
			}
		}
	}
}

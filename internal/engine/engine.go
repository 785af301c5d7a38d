// Package engine is the Pipeline Engine (spec §4.D): a fixed-size
// worker pool that claims ready Jobs from the Store and drives each one
// through Transcribe -> Correct -> Summarize. Grounded on the teacher's
// internal/queue/queue.go (TaskQueue: worker pool, context-cancellable
// workers, WaitGroup shutdown) with the auto-scaling machinery dropped
// in favor of spec's fixed WORKER_COUNT, and on
// internal/transcription/unified_service.go's ProcessJob for the
// per-stage sequencing and ProcessingLog write points.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"transcribeengine/internal/apierr"
	"transcribeengine/internal/llmclient"
	"transcribeengine/internal/models"
	"transcribeengine/internal/store"
	"transcribeengine/internal/whisperclient"
	"transcribeengine/pkg/logger"
)

// Stage timeouts bound a single backend call, not the whole Job.
const (
	transcribeTimeout = 900 * time.Second
	correctTimeout    = 120 * time.Second
	summarizeTimeout  = 300 * time.Second
	pollInterval      = 2 * time.Second
	maxStageAttempts  = 3 // one initial attempt plus up to 2 retries
)

var stageRetryBackoff = []time.Duration{1 * time.Second, 4 * time.Second}

// whisperTranscriber is the subset of whisperclient.Client the Engine
// depends on, narrowed to an interface so tests can substitute a fake
// backend instead of loading a real whisper.cpp model.
type whisperTranscriber interface {
	Transcribe(ctx context.Context, audioPath, language string, timeout time.Duration) (whisperclient.Result, error)
}

// llmChatter is the subset of llmclient.Client the Engine depends on,
// narrowed to an interface for the same reason.
type llmChatter interface {
	Chat(ctx context.Context, systemPrompt, userPrompt string, opts llmclient.Options, onRetry func(attempt int, err error)) (llmclient.Result, error)
}

// Engine owns a fixed pool of workers that repeatedly claim and process
// Jobs until Stop is called. It holds no Job state itself; all state
// lives in the Store, so any worker can pick up any claimed Job.
type Engine struct {
	store   *store.Store
	whisper whisperTranscriber
	llm     llmChatter

	workerCount int
	degraded    atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}

	// recovered carries job IDs found in-flight at startup (left behind
	// by a crashed prior process). Workers drain it before polling
	// ClaimNextReady, since these jobs are not UPLOADED and would never
	// be returned by a normal claim.
	recovered chan string
}

// Degraded reports whether a WHISPER_LOAD_FAILED has been observed,
// meaning no further Transcribe stage can succeed until an operator
// replaces or restores the model file and restarts the process. The
// health endpoint surfaces this.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

func New(st *store.Store, whisper whisperTranscriber, llm llmChatter, workerCount int) *Engine {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Engine{store: st, whisper: whisper, llm: llm, workerCount: workerCount}
}

// Start scans the Store for jobs a prior process left in-flight, queues
// them for immediate resumption, then launches the worker pool. A
// stage's output row is its idempotency key (see runJob), so resuming a
// job that crashed mid-stage is safe: whichever stage was running is
// simply re-run from scratch.
func (e *Engine) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	staleIDs, err := e.store.ListInFlightJobIDs(ctx)
	if err != nil {
		logger.Error("crash-recovery scan failed", "error", err.Error())
		staleIDs = nil
	}
	e.recovered = make(chan string, len(staleIDs))
	for _, id := range staleIDs {
		e.recovered <- id
	}
	if len(staleIDs) > 0 {
		logger.Startup("engine", fmt.Sprintf("requeued %d in-flight job(s) from a prior run", len(staleIDs)))
	}

	go func() {
		defer close(e.done)
		doneWorkers := make(chan struct{}, e.workerCount)
		for i := 0; i < e.workerCount; i++ {
			go func(id int) {
				e.workerLoop(workerCtx, id)
				doneWorkers <- struct{}{}
			}(i)
		}
		for i := 0; i < e.workerCount; i++ {
			<-doneWorkers
		}
	}()

	logger.Startup("engine", fmt.Sprintf("pipeline engine started with %d worker(s)", e.workerCount))
}

// Stop cancels every worker and blocks until they have returned.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func (e *Engine) workerLoop(ctx context.Context, id int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case jobID := <-e.recovered:
			logger.WorkerOperation(id, jobID, "resumed")
			e.appendLog(ctx, jobID, models.LogInfo, "job resumed after restart", "")
			e.runJob(ctx, jobID)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case jobID := <-e.recovered:
			logger.WorkerOperation(id, jobID, "resumed")
			e.appendLog(ctx, jobID, models.LogInfo, "job resumed after restart", "")
			e.runJob(ctx, jobID)
		case <-ticker.C:
			job, err := e.store.ClaimNextReady(ctx)
			if err != nil {
				logger.Error("claim next ready job failed", "worker_id", id, "error", err.Error())
				continue
			}
			if job == nil {
				continue
			}
			logger.WorkerOperation(id, job.ID, "claimed", "status", string(job.Status))
			e.appendLog(ctx, job.ID, models.LogInfo, "job claimed", "")
			e.runJob(ctx, job.ID)
		}
	}
}

// runJob drives one claimed Job through every stage whose output row
// does not yet exist. A stage failure that exhausts its retry budget
// marks the Job FAILED and stops; a stage success falls through to the
// next one in the same pass so a freshly claimed UPLOADED job runs all
// three stages without being reclaimed in between.
func (e *Engine) runJob(ctx context.Context, jobID string) {
	stages := []struct {
		name string
		run  func(context.Context, *models.Job) error
		has  func(context.Context, string) (bool, error)
	}{
		{"transcribe", e.runTranscribe, e.store.HasRawTranscript},
		{"correct", e.runCorrect, e.store.HasCorrectedTranscript},
		{"summarize", e.runSummarize, e.store.HasSummary},
	}

	for _, stage := range stages {
		cancelled, err := e.store.IsCancelled(ctx, jobID)
		if err != nil {
			logger.Error("cancellation check failed", "job_id", jobID, "error", err.Error())
			return
		}
		if cancelled {
			logger.Info("job cancelled, stopping pipeline", "job_id", jobID)
			e.appendLog(ctx, jobID, models.LogInfo, "job cancelled", "")
			return
		}

		done, err := stage.has(ctx, jobID)
		if err != nil {
			logger.Error("idempotency check failed", "job_id", jobID, "stage", stage.name, "error", err.Error())
			return
		}
		if done {
			continue
		}

		job, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			logger.Error("reload job failed", "job_id", jobID, "stage", stage.name, "error", err.Error())
			return
		}

		logger.StageStarted(jobID, stage.name)
		e.appendLog(ctx, jobID, models.LogInfo, fmt.Sprintf("%s started", stage.name), "")
		started := time.Now()
		if err := e.runStageWithRetry(ctx, jobID, stage.name, func() error { return stage.run(ctx, job) }); err != nil {
			if apiErr, ok := apierr.As(err); ok && apiErr.Code == apierr.Cancelled {
				logger.Info("job cancelled during stage, discarding result", "job_id", jobID, "stage", stage.name)
				e.appendLog(ctx, jobID, models.LogInfo, "job cancelled", fmt.Sprintf("discarded in-flight %s result", stage.name))
				return
			}
			logger.StageFailed(jobID, stage.name, time.Since(started), err)
			e.fail(ctx, jobID, err)
			return
		}
		logger.StageCompleted(jobID, stage.name, time.Since(started))
		e.appendLog(ctx, jobID, models.LogInfo, fmt.Sprintf("%s completed", stage.name), time.Since(started).String())
	}

	e.appendLog(ctx, jobID, models.LogInfo, "job completed", "")
}

// runStageWithRetry retries fn up to maxStageAttempts times, but only
// for apierr.Errors whose Retryable flag is set, with a fixed 1s/4s
// backoff and a WARN ProcessingLog entry per retry. The LLM client
// already exhausts its own internal retry budget before returning, so
// for Correct/Summarize this loop's body runs exactly once in practice;
// it exists uniformly here because the Whisper client has no retry of
// its own.
func (e *Engine) runStageWithRetry(ctx context.Context, jobID, stage string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		apiErr, ok := apierr.As(err)
		if !ok || !apiErr.Retryable || attempt >= maxStageAttempts {
			return err
		}

		e.appendLog(ctx, jobID, models.LogWarn, fmt.Sprintf("%s attempt %d failed, retrying", stage, attempt), apiErr.Error())

		select {
		case <-time.After(stageRetryBackoff[attempt-1]):
		case <-ctx.Done():
			return apierr.Wrap(apiErr.Code, "context cancelled during stage retry backoff", ctx.Err())
		}
	}
}

// checkCancelled re-reads the cancellation flag after a backend call
// returns. The call itself is never interrupted (spec §4.D/§5: "an
// in-flight backend call is not forcibly interrupted"), but its result
// must never be persisted once a DELETE has already moved the Job to
// CANCELLED — doing so would resurrect a terminal Job, violating
// status-progress coherence.
func (e *Engine) checkCancelled(ctx context.Context, jobID string) error {
	cancelled, err := e.store.IsCancelled(ctx, jobID)
	if err != nil {
		return err
	}
	if cancelled {
		return apierr.New(apierr.Cancelled, "job cancelled while backend call was in flight")
	}
	return nil
}

func (e *Engine) runTranscribe(ctx context.Context, job *models.Job) error {
	if err := e.store.UpdateProgress(ctx, job.ID, models.StatusTranscribing, 10, "transcribing audio"); err != nil {
		return err
	}

	started := time.Now()
	language := ""
	result, err := e.whisper.Transcribe(ctx, job.AudioMeta.Path, language, transcribeTimeout)
	if err != nil {
		return err
	}
	if err := e.checkCancelled(ctx, job.ID); err != nil {
		return err
	}

	return e.store.WriteRawTranscript(ctx, job.ID, &models.RawTranscript{
		Text:           result.Text,
		Language:       result.Language,
		Confidence:     result.Confidence,
		ModelID:        result.ModelID,
		ProcessingTime: time.Since(started),
	})
}

func (e *Engine) runCorrect(ctx context.Context, job *models.Job) error {
	if job.RawTranscript == nil {
		return apierr.New(apierr.StoreError, "raw transcript missing for correct stage")
	}
	if err := e.store.UpdateProgress(ctx, job.ID, models.StatusCorrecting, 60, "correcting transcript"); err != nil {
		return err
	}

	started := time.Now()
	onRetry := func(attempt int, err error) {
		e.appendLog(ctx, job.ID, models.LogWarn, fmt.Sprintf("correct attempt %d failed, retrying", attempt), err.Error())
	}
	callCtx, cancel := context.WithTimeout(ctx, correctTimeout)
	defer cancel()
	result, err := e.llm.Chat(callCtx, correctSystemPrompt, job.RawTranscript.Text, llmclient.Options{}, onRetry)
	if err != nil {
		return err
	}
	if err := e.checkCancelled(ctx, job.ID); err != nil {
		return err
	}

	return e.store.WriteCorrectedTranscript(ctx, job.ID, &models.CorrectedTranscript{
		Text:           result.Text,
		ModelID:        result.ModelID,
		ProcessingTime: time.Since(started),
	})
}

func (e *Engine) runSummarize(ctx context.Context, job *models.Job) error {
	if job.CorrectedTranscript == nil {
		return apierr.New(apierr.StoreError, "corrected transcript missing for summarize stage")
	}
	if err := e.store.UpdateProgress(ctx, job.ID, models.StatusSummarizing, 90, "generating summary"); err != nil {
		return err
	}

	started := time.Now()
	onRetry := func(attempt int, err error) {
		e.appendLog(ctx, job.ID, models.LogWarn, fmt.Sprintf("summarize attempt %d failed, retrying", attempt), err.Error())
	}
	callCtx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()
	result, err := e.llm.Chat(callCtx, summarizeSystemPrompt, job.CorrectedTranscript.Text, llmclient.Options{}, onRetry)
	if err != nil {
		return err
	}
	if err := e.checkCancelled(ctx, job.ID); err != nil {
		return err
	}

	formattedText := normalizeFormattedText(result.Text)
	details := parseSummaryDetails(formattedText)

	return e.store.WriteSummary(ctx, job.ID, &models.Summary{
		FormattedText:  formattedText,
		Details:        details,
		ModelID:        result.ModelID,
		Confidence:     1.0,
		ProcessingTime: time.Since(started),
	})
}

func (e *Engine) fail(ctx context.Context, jobID string, err error) {
	apiErr, ok := apierr.As(err)
	code := apierr.StoreError
	message := err.Error()
	if ok {
		code = apiErr.Code
		message = apiErr.Message
	}
	if code == apierr.WhisperLoadFailed {
		e.degraded.Store(true)
	}
	e.appendLog(ctx, jobID, models.LogError, "job failed", message)
	if ferr := e.store.Fail(ctx, jobID, code, message); ferr != nil {
		logger.Error("failed to mark job failed", "job_id", jobID, "error", ferr.Error())
	}
}

func (e *Engine) appendLog(ctx context.Context, jobID string, level models.LogLevel, message, details string) {
	if err := e.store.AppendLog(ctx, jobID, level, message, details); err != nil {
		logger.Error("append processing log failed", "job_id", jobID, "error", err.Error())
	}
}

package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"transcribeengine/internal/apierr"
	"transcribeengine/internal/database"
	"transcribeengine/internal/llmclient"
	"transcribeengine/internal/models"
	"transcribeengine/internal/store"
	"transcribeengine/internal/whisperclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWhisper and fakeLLM stand in for the real backends so engine tests
// never load a whisper.cpp model or dial an Ollama host.

type fakeWhisper struct {
	result whisperclient.Result
	err    error
	calls  int
}

func (f *fakeWhisper) Transcribe(ctx context.Context, audioPath, language string, timeout time.Duration) (whisperclient.Result, error) {
	f.calls++
	if f.err != nil {
		return whisperclient.Result{}, f.err
	}
	return f.result, nil
}

// fakeLLM answers every Chat call with the same result or error, in
// order, one per call; once exhausted it repeats the last entry.
type fakeLLM struct {
	results []llmclient.Result
	errs    []error
	calls   int
}

func (f *fakeLLM) Chat(ctx context.Context, systemPrompt, userPrompt string, opts llmclient.Options, onRetry func(int, error)) (llmclient.Result, error) {
	i := f.calls
	if i >= len(f.results) && i >= len(f.errs) {
		i = len(f.results) - 1
	}
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return llmclient.Result{}, err
	}
	var res llmclient.Result
	if i < len(f.results) {
		res = f.results[i]
	}
	return res, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return store.New(db)
}

func newUploadedJob(t *testing.T, s *store.Store) *models.Job {
	t.Helper()
	job := &models.Job{
		OriginalFilename: "meeting.wav",
		StoredFilename:   "abc.wav",
		ByteSize:         1024,
		ContentHash:      "deadbeef",
		MimeType:         "audio/wav",
		UsageType:        models.UsageMeeting,
	}
	audio := &models.AudioMeta{Path: "/tmp/abc.wav", Duration: 60, SampleRate: 16000, Channels: 1, Bitrate: 256000}
	require.NoError(t, s.CreateJob(context.Background(), job, audio))
	return job
}

const sampleSummaryMarkdown = "# 要約\nテスト要約です。\n\n## 議題・議論内容\n- 議題1\n\n## 決定事項\n- 決定1\n\n## ToDo\n- [ ] todo1\n\n## 次のアクション\n- action1\n\n## 次回会議\n未定"

func TestRunJobHappyPathReachesCompleted(t *testing.T) {
	s := newTestStore(t)
	job := newUploadedJob(t, s)
	claimed, err := s.ClaimNextReady(context.Background())
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	whisper := &fakeWhisper{result: whisperclient.Result{Text: "これはテストです", Language: "ja", Confidence: 0.9, ModelID: "large-v3-turbo"}}
	llm := &fakeLLM{results: []llmclient.Result{
		{Text: "これはテストです。", ModelID: "gemma-2-2b-jpn-it"},
		{Text: sampleSummaryMarkdown, ModelID: "gemma-2-2b-jpn-it"},
	}}

	e := New(s, whisper, llm, 1)
	e.runJob(context.Background(), job.ID)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.RawTranscript)
	assert.Equal(t, "これはテストです", got.RawTranscript.Text)
	require.NotNil(t, got.CorrectedTranscript)
	require.NotNil(t, got.Summary)
	assert.Contains(t, got.Summary.FormattedText, "# 要約")
	assert.Equal(t, 1, whisper.calls)
}

func TestRunJobFailsAfterRetryBudgetExhausted(t *testing.T) {
	s := newTestStore(t)
	job := newUploadedJob(t, s)
	_, err := s.ClaimNextReady(context.Background())
	require.NoError(t, err)

	whisper := &fakeWhisper{err: apierr.Retry(apierr.WhisperInference, "inference blew up", nil)}
	llm := &fakeLLM{}

	e := New(s, whisper, llm, 1)
	e.runJob(context.Background(), job.ID)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, string(apierr.WhisperInference), *got.ErrorCode)
	assert.Equal(t, maxStageAttempts, whisper.calls, "must retry until the stage's attempt budget is exhausted")
}

func TestRunJobNonRetryableFailsImmediately(t *testing.T) {
	s := newTestStore(t)
	job := newUploadedJob(t, s)
	_, err := s.ClaimNextReady(context.Background())
	require.NoError(t, err)

	whisper := &fakeWhisper{err: apierr.New(apierr.WhisperLoadFailed, "model file missing")}
	llm := &fakeLLM{}

	e := New(s, whisper, llm, 1)
	e.runJob(context.Background(), job.ID)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, whisper.calls, "a non-retryable error must not be retried")
	assert.True(t, e.Degraded(), "WHISPER_LOAD_FAILED must mark the engine degraded for health")
}

func TestRunJobCompletesWhenLLMClientAbsorbsTransientOutage(t *testing.T) {
	s := newTestStore(t)
	job := newUploadedJob(t, s)
	_, err := s.ClaimNextReady(context.Background())
	require.NoError(t, err)

	whisper := &fakeWhisper{result: whisperclient.Result{Text: "raw text", Language: "ja", Confidence: 0.9, ModelID: "large-v3-turbo"}}
	// The llmclient itself already exhausts its own retry budget before
	// returning to the Engine, so from the Engine's perspective each
	// stage call either succeeds or fails outright; this fake models
	// that by succeeding on the Correct call.
	llm := &fakeLLM{results: []llmclient.Result{
		{Text: "corrected text", ModelID: "gemma-2-2b-jpn-it"},
		{Text: sampleSummaryMarkdown, ModelID: "gemma-2-2b-jpn-it"},
	}}

	e := New(s, whisper, llm, 1)
	e.runJob(context.Background(), job.ID)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestRunJobStopsAtCancellationBeforeStages(t *testing.T) {
	s := newTestStore(t)
	job := newUploadedJob(t, s)
	_, err := s.ClaimNextReady(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), job.ID))

	whisper := &fakeWhisper{result: whisperclient.Result{Text: "should never run"}}
	llm := &fakeLLM{}

	e := New(s, whisper, llm, 1)
	e.runJob(context.Background(), job.ID)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, 0, whisper.calls, "a job cancelled before the stage ran must never call the backend")
	assert.Nil(t, got.RawTranscript)
	assert.Nil(t, got.Summary)
}

func TestRunJobDiscardsResultWhenCancelledWhileBackendCallInFlight(t *testing.T) {
	s := newTestStore(t)
	job := newUploadedJob(t, s)
	_, err := s.ClaimNextReady(context.Background())
	require.NoError(t, err)

	// The fake Whisper client cancels the job itself mid-call, simulating
	// a DELETE landing while the real backend is still working; the
	// Engine must discard this result rather than writing it.
	whisper := &cancellingWhisper{store: s, jobID: job.ID}
	llm := &fakeLLM{}

	e := New(s, whisper, llm, 1)
	e.runJob(context.Background(), job.ID)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.RawTranscript, "the in-flight result must never be written over a CANCELLED job")
}

type cancellingWhisper struct {
	store *store.Store
	jobID string
}

func (c *cancellingWhisper) Transcribe(ctx context.Context, audioPath, language string, timeout time.Duration) (whisperclient.Result, error) {
	if err := c.store.Cancel(ctx, c.jobID); err != nil {
		return whisperclient.Result{}, err
	}
	return whisperclient.Result{Text: "discarded", ModelID: "large-v3-turbo"}, nil
}

func TestRunJobSkipsStagesWithExistingOutputOnResume(t *testing.T) {
	s := newTestStore(t)
	job := newUploadedJob(t, s)
	_, err := s.ClaimNextReady(context.Background())
	require.NoError(t, err)

	// Simulate a crash after Transcribe completed but before Correct ran:
	// the RawTranscript row already exists.
	require.NoError(t, s.WriteRawTranscript(context.Background(), job.ID, &models.RawTranscript{
		Text: "already transcribed", Language: "ja", Confidence: 0.9, ModelID: "large-v3-turbo",
	}))

	whisper := &fakeWhisper{result: whisperclient.Result{Text: "must not overwrite"}}
	llm := &fakeLLM{results: []llmclient.Result{
		{Text: "corrected text", ModelID: "gemma-2-2b-jpn-it"},
		{Text: sampleSummaryMarkdown, ModelID: "gemma-2-2b-jpn-it"},
	}}

	e := New(s, whisper, llm, 1)
	e.runJob(context.Background(), job.ID)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "already transcribed", got.RawTranscript.Text, "the existing stage-output row must never be rewritten")
	assert.Equal(t, 0, whisper.calls, "a stage whose output row already exists must be skipped, not re-run")
}

func TestStartRequeuesInFlightJobsLeftByACrash(t *testing.T) {
	s := newTestStore(t)
	job := newUploadedJob(t, s)
	_, err := s.ClaimNextReady(context.Background())
	require.NoError(t, err)
	// The job is now TRANSCRIBING, as if a prior process crashed mid-stage.

	whisper := &fakeWhisper{result: whisperclient.Result{Text: "recovered text", Language: "ja", Confidence: 0.9, ModelID: "large-v3-turbo"}}
	llm := &fakeLLM{results: []llmclient.Result{
		{Text: "corrected text", ModelID: "gemma-2-2b-jpn-it"},
		{Text: sampleSummaryMarkdown, ModelID: "gemma-2-2b-jpn-it"},
	}}

	e := New(s, whisper, llm, 1)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer e.Stop()

	require.Eventually(t, func() bool {
		got, err := s.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond, "a requeued in-flight job must reach COMPLETED")

	cancel()
}

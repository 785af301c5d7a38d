// Package store is the Durable state layer (spec's Store component):
// jobs, audio metadata, transcripts, summaries, and the processing log,
// all behind transactions so the Engine and HTTP Surface never touch
// gorm directly. It generalizes the generic repository pattern the
// teacher's internal/repository package used into the specific
// operation set the Engine depends on (claim, monotonic progress,
// stage-result upsert, cancellation, purge).
package store

import (
	"context"
	"errors"
	"time"

	"transcribeengine/internal/apierr"
	"transcribeengine/internal/models"

	"gorm.io/gorm"
)

// Store is the single writer for Job rows. All methods take a context
// and use short transactions; none holds a lock across a backend call.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a Job in UPLOADED with progress 0 and its AudioMeta
// row in one transaction.
func (s *Store) CreateJob(ctx context.Context, job *models.Job, audio *models.AudioMeta) error {
	job.Status = models.StatusUploaded
	job.Progress = 0
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return apierr.Wrap(apierr.StoreError, "insert job", err)
		}
		audio.JobID = job.ID
		if err := tx.Create(audio).Error; err != nil {
			return apierr.Wrap(apierr.StoreError, "insert audio meta", err)
		}
		return nil
	})
}

// FindActiveDuplicate returns the non-terminal Job with the given
// content hash and usage type, if one exists, for Intake's dedup step.
// Completed jobs are deliberately excluded: they are re-runnable.
func (s *Store) FindActiveDuplicate(ctx context.Context, contentHash string, usageType models.UsageType) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).
		Where("content_hash = ? AND usage_type = ? AND status NOT IN ?", contentHash, usageType,
			[]models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled}).
		Order("created_at asc").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "find duplicate job", err)
	}
	return &job, nil
}

// ClaimNextReady atomically selects one UPLOADED Job and transitions it
// to TRANSCRIBING. Returns (nil, nil) when nothing is claimable.
//
// Only UPLOADED jobs are claimable here: once a Job leaves UPLOADED
// exactly one worker owns it until it reaches a terminal status or the
// process restarts, so a second call can never pick up a Job another
// live worker is still processing. A Job a crashed process left
// mid-stage (TRANSCRIBING/CORRECTING/SUMMARIZING) does not re-enter
// through this path — see ListInFlightJobIDs, which the Engine uses
// once at startup to requeue those directly without racing a live
// worker for the same row.
//
// The select-then-conditional-update is done inside one transaction and
// the update is guarded by a WHERE on the observed status, so a second
// concurrent caller racing for the same row affects zero rows and the
// caller simply finds nothing to claim this pass.
func (s *Store) ClaimNextReady(ctx context.Context) (*models.Job, error) {
	var claimed *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		err := tx.Where("status = ?", models.StatusUploaded).
			Order("created_at asc").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return apierr.Wrap(apierr.StoreError, "claim next ready", err)
		}

		target := models.StatusTranscribing
		updates := map[string]any{"status": target}
		if job.StartedAt == nil {
			now := time.Now()
			updates["started_at"] = &now
		}
		res := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(updates)
		if res.Error != nil {
			return apierr.Wrap(apierr.StoreError, "claim update", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to another caller; nothing claimed this pass.
			return nil
		}
		job.Status = target
		claimed = &job
		return nil
	})
	return claimed, err
}

// UpdateProgress enforces the progress monotonicity invariant: a write
// that would decrease progress is refused unless the new status is
// FAILED or CANCELLED.
func (s *Store) UpdateProgress(ctx context.Context, id string, status models.Status, progress int, message string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.JobNotFound, "job not found")
			}
			return apierr.Wrap(apierr.StoreError, "load job for progress update", err)
		}

		terminal := status == models.StatusFailed || status == models.StatusCancelled
		if !terminal && progress < job.Progress {
			return nil
		}

		updates := map[string]any{
			"status":   status,
			"progress": progress,
			"message":  message,
		}
		if status == models.StatusCompleted || terminal {
			now := time.Now()
			updates["completed_at"] = &now
		}
		if err := tx.Model(&models.Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return apierr.Wrap(apierr.StoreError, "update progress", err)
		}
		return nil
	})
}

// Fail transitions a Job to FAILED with the given error code/message,
// leaving progress unchanged.
func (s *Store) Fail(ctx context.Context, id string, code apierr.Code, message string) error {
	now := time.Now()
	codeStr := string(code)
	err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":        models.StatusFailed,
		"error_code":    &codeStr,
		"error_message": &message,
		"completed_at":  &now,
	}).Error
	if err != nil {
		return apierr.Wrap(apierr.StoreError, "mark job failed", err)
	}
	return nil
}

// WriteRawTranscript upserts the Transcribe stage's output row and
// advances the Job to CORRECTING at progress 50, in one transaction.
// Idempotent: re-running with an identical payload after a crash simply
// re-upserts the same row (see the Engine's idempotent-skip logic,
// which checks HasRawTranscript before ever calling this).
func (s *Store) WriteRawTranscript(ctx context.Context, jobID string, rt *models.RawTranscript) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rt.JobID = jobID
		if err := tx.Save(rt).Error; err != nil {
			return apierr.Wrap(apierr.StoreError, "write raw transcript", err)
		}
		if err := tx.Model(&models.Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"status": models.StatusCorrecting, "progress": 50,
		}).Error; err != nil {
			return apierr.Wrap(apierr.StoreError, "advance to correcting", err)
		}
		return nil
	})
}

// WriteCorrectedTranscript upserts the Correct stage's output row and
// advances the Job to SUMMARIZING at progress 70.
func (s *Store) WriteCorrectedTranscript(ctx context.Context, jobID string, ct *models.CorrectedTranscript) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ct.JobID = jobID
		if err := tx.Save(ct).Error; err != nil {
			return apierr.Wrap(apierr.StoreError, "write corrected transcript", err)
		}
		if err := tx.Model(&models.Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"status": models.StatusSummarizing, "progress": 70,
		}).Error; err != nil {
			return apierr.Wrap(apierr.StoreError, "advance to summarizing", err)
		}
		return nil
	})
}

// WriteSummary upserts the Summarize stage's output row and completes
// the Job at progress 100.
func (s *Store) WriteSummary(ctx context.Context, jobID string, sm *models.Summary) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sm.JobID = jobID
		if err := tx.Save(sm).Error; err != nil {
			return apierr.Wrap(apierr.StoreError, "write summary", err)
		}
		now := time.Now()
		if err := tx.Model(&models.Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"status": models.StatusCompleted, "progress": 100, "completed_at": &now,
		}).Error; err != nil {
			return apierr.Wrap(apierr.StoreError, "complete job", err)
		}
		return nil
	})
}

// ListInFlightJobIDs returns the IDs of every Job left in
// TRANSCRIBING/CORRECTING/SUMMARIZING, ordered by created_at ascending.
// Called once at Engine startup: these are jobs a prior process was
// still working when it crashed, and since their status already marks
// them as owned (not UPLOADED), ClaimNextReady will never pick them up
// on its own — the Engine must requeue them directly.
func (s *Store) ListInFlightJobIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("status IN ?", []models.Status{models.StatusTranscribing, models.StatusCorrecting, models.StatusSummarizing}).
		Order("created_at asc").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "list in-flight jobs", err)
	}
	return ids, nil
}

// HasRawTranscript, HasCorrectedTranscript and HasSummary back the
// Engine's idempotent per-stage skip: "the stage's output row already
// exists ⇒ skip to the next stage".
func (s *Store) HasRawTranscript(ctx context.Context, jobID string) (bool, error) {
	return s.rowExists(ctx, &models.RawTranscript{}, jobID)
}

func (s *Store) HasCorrectedTranscript(ctx context.Context, jobID string) (bool, error) {
	return s.rowExists(ctx, &models.CorrectedTranscript{}, jobID)
}

func (s *Store) HasSummary(ctx context.Context, jobID string) (bool, error) {
	return s.rowExists(ctx, &models.Summary{}, jobID)
}

func (s *Store) rowExists(ctx context.Context, model any, jobID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where("job_id = ?", jobID).Count(&count).Error; err != nil {
		return false, apierr.Wrap(apierr.StoreError, "check stage output", err)
	}
	return count > 0, nil
}

// Cancel transitions any non-terminal Job to CANCELLED and sets the
// cancellation flag the Engine checks between stages. Idempotent: a
// Job already terminal is left untouched and no error is returned.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.JobNotFound, "job not found")
			}
			return apierr.Wrap(apierr.StoreError, "load job for cancel", err)
		}
		if job.Status.Terminal() {
			return nil
		}
		now := time.Now()
		if err := tx.Model(&models.Job{}).Where("id = ?", id).Updates(map[string]any{
			"cancelled":    true,
			"status":       models.StatusCancelled,
			"completed_at": &now,
		}).Error; err != nil {
			return apierr.Wrap(apierr.StoreError, "cancel job", err)
		}
		return nil
	})
}

// IsCancelled reports the cancellation flag for a running worker's
// between-stage and before-backend-call checks.
func (s *Store) IsCancelled(ctx context.Context, id string) (bool, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).Select("cancelled").First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, apierr.New(apierr.JobNotFound, "job not found")
		}
		return false, apierr.Wrap(apierr.StoreError, "check cancellation flag", err)
	}
	return job.Cancelled, nil
}

// GetJob is the read projection for GET /transcriptions/{id}, with
// every stage output preloaded so the HTTP Surface can populate
// transcription_result without a second round trip.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).
		Preload("AudioMeta").
		Preload("RawTranscript").
		Preload("CorrectedTranscript").
		Preload("Summary").
		First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.JobNotFound, "job not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "get job", err)
	}
	return &job, nil
}

// GetSummary is the read projection for GET /transcriptions/{id}/summary.
func (s *Store) GetSummary(ctx context.Context, jobID string) (*models.Summary, error) {
	var sm models.Summary
	err := s.db.WithContext(ctx).First(&sm, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.JobNotCompleted, "summary not available")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "get summary", err)
	}
	return &sm, nil
}

// AppendLog writes a ProcessingLog entry. Best-effort: callers log and
// continue on error rather than fail the operation that triggered it.
func (s *Store) AppendLog(ctx context.Context, jobID string, level models.LogLevel, message, details string) error {
	entry := &models.ProcessingLog{JobID: jobID, Level: level, Message: message, Details: details}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return apierr.Wrap(apierr.StoreError, "append processing log", err)
	}
	return nil
}

// Purge removes Jobs older than maxAge measured from created_at,
// invoking removeFile for every on-disk path it deletes (AudioMeta.Path)
// before the row itself is removed. Used by the FILE_RETENTION_DAYS-driven
// cleanup: the purge subcommand and the server's daily purge loop.
func (s *Store) Purge(ctx context.Context, maxAge time.Duration, removeFile func(path string) error) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	var stale []models.Job
	if err := s.db.WithContext(ctx).Preload("AudioMeta").
		Where("created_at < ?", cutoff).Find(&stale).Error; err != nil {
		return 0, apierr.Wrap(apierr.StoreError, "find stale jobs", err)
	}

	removed := 0
	for _, job := range stale {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if job.AudioMeta != nil && removeFile != nil {
				if err := removeFile(job.AudioMeta.Path); err != nil {
					return err
				}
			}
			return tx.Select("AudioMeta", "RawTranscript", "CorrectedTranscript", "Summary").
				Delete(&job).Error
		})
		if err != nil {
			return removed, apierr.Wrap(apierr.StoreError, "purge job", err)
		}
		removed++
	}
	return removed, nil
}

// Delete hard-deletes a single Job and its dependent rows and file.
// DELETE /transcriptions/{id} does not call it: that route only
// cancels (see Cancel) and leaves the Job readable.
func (s *Store) Delete(ctx context.Context, id string, removeFile func(path string) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		err := tx.Preload("AudioMeta").First(&job, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return apierr.Wrap(apierr.StoreError, "load job for delete", err)
		}
		if job.AudioMeta != nil && removeFile != nil {
			if err := removeFile(job.AudioMeta.Path); err != nil {
				return err
			}
		}
		return tx.Select("AudioMeta", "RawTranscript", "CorrectedTranscript", "Summary").
			Delete(&job).Error
	})
}

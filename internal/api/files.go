package api

import (
	"archive/zip"
	"fmt"
	"net/http"

	"transcribeengine/internal/apierr"
	"transcribeengine/internal/models"

	"github.com/gin-gonic/gin"
)

// requireCompleted loads the Job and rejects anything not COMPLETED,
// shared by every /files/{id}/* handler.
func (h *Handler) requireCompleted(c *gin.Context) (*models.Job, bool) {
	job, err := h.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if job.Status != models.StatusCompleted {
		respondError(c, apierr.New(apierr.JobNotCompleted, "job has not completed"))
		return nil, false
	}
	return job, true
}

// DownloadTranscription handles GET /files/{id}/transcription.txt: the
// corrected transcript as a plain-text attachment.
func (h *Handler) DownloadTranscription(c *gin.Context) {
	job, ok := h.requireCompleted(c)
	if !ok {
		return
	}
	text := ""
	if job.CorrectedTranscript != nil {
		text = job.CorrectedTranscript.Text
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-transcription.txt"`, job.ID))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

// DownloadSummary handles GET /files/{id}/summary.txt: the Markdown
// summary as a plain-text attachment.
func (h *Handler) DownloadSummary(c *gin.Context) {
	job, ok := h.requireCompleted(c)
	if !ok {
		return
	}
	summary, err := h.store.GetSummary(c.Request.Context(), job.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-summary.txt"`, job.ID))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(summary.FormattedText))
}

// ExportArtifacts handles GET /files/{id}/export: every stage artifact
// bundled into one zip.
func (h *Handler) ExportArtifacts(c *gin.Context) {
	job, ok := h.requireCompleted(c)
	if !ok {
		return
	}
	summary, err := h.store.GetSummary(c.Request.Context(), job.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-export.zip"`, job.ID))
	c.Header("Content-Type", "application/zip")
	c.Status(http.StatusOK)

	zw := zip.NewWriter(c.Writer)
	defer zw.Close()

	writeEntry := func(name, content string) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write([]byte(content))
		return err
	}

	if job.RawTranscript != nil {
		_ = writeEntry("raw_transcript.txt", job.RawTranscript.Text)
	}
	if job.CorrectedTranscript != nil {
		_ = writeEntry("corrected_transcript.txt", job.CorrectedTranscript.Text)
	}
	_ = writeEntry("summary.md", summary.FormattedText)
}

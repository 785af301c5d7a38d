package api

import (
	"net/http"

	"transcribeengine/internal/apierr"
	"transcribeengine/internal/models"

	"github.com/gin-gonic/gin"
)

// jobResponse is the Job envelope GET/POST /transcriptions return.
type jobResponse struct {
	ID               string     `json:"id"`
	OriginalFilename string     `json:"original_filename"`
	ByteSize         int64      `json:"byte_size"`
	MimeType         string     `json:"mime_type"`
	UsageType        string     `json:"usage_type"`
	StatusCode       string     `json:"status_code"`
	Progress         int        `json:"progress"`
	Message          string     `json:"message,omitempty"`
	ErrorCode        *string    `json:"error_code,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	CreatedAt        string     `json:"created_at"`
	UpdatedAt        string     `json:"updated_at"`
	StartedAt        *string    `json:"started_at,omitempty"`
	CompletedAt      *string    `json:"completed_at,omitempty"`

	TranscriptionResult *transcriptionResult `json:"transcription_result,omitempty"`
}

type transcriptionResult struct {
	RawText      string `json:"raw_text,omitempty"`
	CorrectedText string `json:"corrected_text,omitempty"`
	Language     string `json:"language,omitempty"`
}

func toJobResponse(job *models.Job) jobResponse {
	resp := jobResponse{
		ID:               job.ID,
		OriginalFilename: job.OriginalFilename,
		ByteSize:         job.ByteSize,
		MimeType:         job.MimeType,
		UsageType:        string(job.UsageType),
		StatusCode:       string(job.Status),
		Progress:         job.Progress,
		Message:          job.Message,
		ErrorCode:        job.ErrorCode,
		ErrorMessage:     job.ErrorMessage,
		CreatedAt:        job.CreatedAt.Format(timeFormat),
		UpdatedAt:        job.UpdatedAt.Format(timeFormat),
	}
	if job.StartedAt != nil {
		s := job.StartedAt.Format(timeFormat)
		resp.StartedAt = &s
	}
	if job.CompletedAt != nil {
		s := job.CompletedAt.Format(timeFormat)
		resp.CompletedAt = &s
	}

	if job.RawTranscript != nil || job.CorrectedTranscript != nil {
		result := &transcriptionResult{}
		if job.RawTranscript != nil {
			result.RawText = job.RawTranscript.Text
			result.Language = job.RawTranscript.Language
		}
		if job.CorrectedTranscript != nil {
			result.CorrectedText = job.CorrectedTranscript.Text
		}
		resp.TranscriptionResult = result
	}
	return resp
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// summaryResponse is the Summary envelope GET /transcriptions/{id}/summary
// returns.
type summaryResponse struct {
	FormattedText string                `json:"formatted_text"`
	Details       models.SummaryDetails `json:"details"`
	ModelUsed     string                `json:"model_used"`
	Confidence    float64               `json:"confidence"`
}

// SubmitTranscription handles POST /transcriptions: multipart file +
// usage_type, validated and persisted by Intake.
func (h *Handler) SubmitTranscription(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, apierr.New(apierr.InvalidRequest, "multipart field \"file\" is required"))
		return
	}

	usageType := models.UsageType(c.PostForm("usage_type"))
	if usageType != models.UsageMeeting && usageType != models.UsageInterview {
		respondError(c, apierr.New(apierr.InvalidRequest, "usage_type must be \"meeting\" or \"interview\""))
		return
	}

	file, err := header.Open()
	if err != nil {
		respondError(c, apierr.Wrap(apierr.InvalidRequest, "open uploaded file", err))
		return
	}
	defer file.Close()

	job, err := h.intake.Accept(c.Request.Context(), file, header.Filename, header.Size, usageType)
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusCreated, toJobResponse(job))
}

// GetTranscription handles GET /transcriptions/{id}.
func (h *Handler) GetTranscription(c *gin.Context) {
	job, err := h.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, toJobResponse(job))
}

// GetSummary handles GET /transcriptions/{id}/summary.
func (h *Handler) GetSummary(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	if job.Status != models.StatusCompleted {
		respondError(c, apierr.New(apierr.JobNotCompleted, "job has not completed"))
		return
	}

	summary, err := h.store.GetSummary(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, summaryResponse{
		FormattedText: summary.FormattedText,
		Details:       summary.Details,
		ModelUsed:     summary.ModelID,
		Confidence:    summary.Confidence,
	})
}

// DeleteTranscription handles DELETE /transcriptions/{id}: idempotent
// cancellation. A Job already in a terminal state is left untouched and
// still reports 200.
func (h *Handler) DeleteTranscription(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.store.Cancel(c.Request.Context(), jobID); err != nil {
		respondError(c, err)
		return
	}
	status := models.StatusCancelled
	if job.Status.Terminal() {
		status = job.Status
	}
	respondData(c, http.StatusOK, gin.H{"id": jobID, "status_code": string(status)})
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the lifecycle state of a Job. Exactly one Engine worker may
// hold a Job in a non-terminal, non-UPLOADED state at any time.
type Status string

const (
	StatusUploaded    Status = "UPLOADED"
	StatusTranscribing Status = "TRANSCRIBING"
	StatusCorrecting  Status = "CORRECTING"
	StatusSummarizing Status = "SUMMARIZING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// Terminal reports whether s is a state the Engine will never advance
// past.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// InFlight reports whether s is one of the stage-processing states a
// crash-recovery scan must requeue.
func (s Status) InFlight() bool {
	switch s {
	case StatusTranscribing, StatusCorrecting, StatusSummarizing:
		return true
	default:
		return false
	}
}

// UsageType selects the prompt family for the Summarize stage. Interview
// is accepted but currently produces the same meeting-format output (see
// DESIGN.md Open Question decisions).
type UsageType string

const (
	UsageMeeting   UsageType = "meeting"
	UsageInterview UsageType = "interview"
)

// Job is the unit of work: one upload through to a terminal status.
type Job struct {
	ID string `json:"id" gorm:"primaryKey;type:varchar(36)"`

	OriginalFilename string `json:"original_filename" gorm:"type:text;not null"`
	StoredFilename    string `json:"stored_filename" gorm:"type:text;not null"`
	ByteSize          int64  `json:"byte_size" gorm:"not null"`
	ContentHash       string `json:"content_hash" gorm:"type:varchar(64);index;not null"`
	MimeType          string `json:"mime_type" gorm:"type:varchar(32);not null"`

	UsageType UsageType `json:"usage_type" gorm:"type:varchar(16);not null;default:'meeting'"`

	Status   Status `json:"status_code" gorm:"type:varchar(16);index;not null;default:'UPLOADED'"`
	Progress int    `json:"progress" gorm:"not null;default:0"`
	Message  string `json:"message" gorm:"type:text"`

	ErrorCode    *string `json:"error_code,omitempty" gorm:"type:varchar(64)"`
	ErrorMessage *string `json:"error_message,omitempty" gorm:"type:text"`

	// Cancelled is the cancellation flag the Engine checks between
	// stages and before each backend call. Set by Store.Cancel.
	Cancelled bool `json:"-" gorm:"not null;default:false"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime;index"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	AudioMeta            *AudioMeta            `json:"audio_meta,omitempty" gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
	RawTranscript        *RawTranscript        `json:"raw_transcript,omitempty" gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
	CorrectedTranscript  *CorrectedTranscript  `json:"corrected_transcript,omitempty" gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
	Summary              *Summary              `json:"summary,omitempty" gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate assigns the client-visible opaque identifier.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	return nil
}

package models

import (
	"time"
)

// SummaryDetails is the structured form of the Markdown summary, parsed
// by splitting the LLM's output on its top-level headings. Any heading
// the LLM omits is recorded as its zero value rather than failing the
// stage.
type SummaryDetails struct {
	Agenda       []string `json:"agenda"`
	Decisions    []string `json:"decisions"`
	Todo         []string `json:"todo"`
	NextActions  []string `json:"next_actions"`
	NextMeeting  string   `json:"next_meeting,omitempty"`
}

// Summary is the Summarize stage's output row. 1:1 with Job,
// insert-once.
type Summary struct {
	JobID          string        `json:"-" gorm:"primaryKey;type:varchar(36)"`
	FormattedText  string        `json:"formatted_text" gorm:"type:text;not null"`
	Details        SummaryDetails `json:"details" gorm:"serializer:json"`
	ModelID        string        `json:"model_id" gorm:"type:varchar(64);not null"`
	Confidence     float64       `json:"confidence" gorm:"not null"`
	ProcessingTime time.Duration `json:"processing_time_ns" gorm:"not null"`
	CreatedAt      time.Time     `json:"created_at" gorm:"autoCreateTime"`
}

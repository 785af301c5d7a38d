package models

import "time"

// RawTranscript is the Transcribe stage's output row. 1:1 with Job,
// insert-once, never updated — its presence is the idempotency key for
// skipping a re-run of the Transcribe stage.
type RawTranscript struct {
	JobID           string        `json:"-" gorm:"primaryKey;type:varchar(36)"`
	Text            string        `json:"text" gorm:"type:text;not null"`
	Language        string        `json:"language" gorm:"type:varchar(16)"`
	Confidence      float64       `json:"confidence" gorm:"not null"`
	ModelID         string        `json:"model_id" gorm:"type:varchar(64);not null"`
	ProcessingTime  time.Duration `json:"processing_time_ns" gorm:"not null"`
	CreatedAt       time.Time     `json:"created_at" gorm:"autoCreateTime"`
}

// CorrectedTranscript is the Correct stage's output row. 1:1 with Job,
// insert-once.
type CorrectedTranscript struct {
	JobID          string        `json:"-" gorm:"primaryKey;type:varchar(36)"`
	Text           string        `json:"text" gorm:"type:text;not null"`
	ModelID        string        `json:"model_id" gorm:"type:varchar(64);not null"`
	ProcessingTime time.Duration `json:"processing_time_ns" gorm:"not null"`
	CreatedAt      time.Time     `json:"created_at" gorm:"autoCreateTime"`
}

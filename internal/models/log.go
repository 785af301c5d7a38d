package models

import "time"

// LogLevel is the severity of a ProcessingLog entry.
type LogLevel string

const (
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// ProcessingLog is an append-only per-job audit trail: every state
// transition and stage outcome is appended here at INFO, retries and
// backend errors at WARN, FAILED transitions at ERROR. Writes are
// best-effort and not transactional with the state update they describe.
type ProcessingLog struct {
	ID        uint     `json:"id" gorm:"primaryKey;autoIncrement"`
	JobID     string   `json:"job_id" gorm:"type:varchar(36);index;not null"`
	Level     LogLevel `json:"level" gorm:"type:varchar(8);not null"`
	Message   string   `json:"message" gorm:"type:text;not null"`
	Details   string   `json:"details,omitempty" gorm:"type:text"`
	Timestamp time.Time `json:"timestamp" gorm:"autoCreateTime;index"`
}

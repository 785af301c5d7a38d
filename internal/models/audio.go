package models

// AudioMeta is 1:1 with Job, created by Intake and immutable afterward.
type AudioMeta struct {
	JobID      string  `json:"-" gorm:"primaryKey;type:varchar(36)"`
	Path       string  `json:"path" gorm:"type:text;not null"`
	Duration   float64 `json:"duration_seconds" gorm:"not null"`
	SampleRate int     `json:"sample_rate" gorm:"not null"`
	Channels   int     `json:"channels" gorm:"not null"`
	Bitrate    int     `json:"bitrate" gorm:"not null"`
}

package model

import "time"

// UsageRecord is one completed generation, written asynchronously by the
// usage worker. Kind is "chat" or "regenerate".
type UsageRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          uint      `gorm:"not null;index" json:"user_id"`
	SessionID       uint      `gorm:"not null;index" json:"session_id"`
	MessageID       uint      `gorm:"not null;index" json:"message_id"`
	Model           string    `gorm:"size:128;not null" json:"model"`
	Kind            string    `gorm:"size:16;not null" json:"kind"`
	PromptChars     int       `gorm:"not null" json:"prompt_chars"`
	CompletionChars int       `gorm:"not null" json:"completion_chars"`
	ReasoningChars  int       `gorm:"not null" json:"reasoning_chars"`
	DurationMS      int64     `gorm:"not null" json:"duration_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

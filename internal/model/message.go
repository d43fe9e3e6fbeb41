package model

import "time"

// Message is one turn in a session. Reasoning holds the auxiliary
// "thinking" text some providers emit alongside the main content.
// Ordering within a session is by ID, a monotonic per-insert sequence;
// CreatedAt is refreshed when a message is regenerated, so it must not
// be used for ordering.
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID uint      `gorm:"not null;index" json:"session_id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Role      string    `gorm:"size:16;not null;index" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Reasoning string    `gorm:"type:text" json:"reasoning,omitempty"`
	Liked     bool      `gorm:"not null;default:false" json:"liked"`
	CreatedAt time.Time `json:"created_at"`
}

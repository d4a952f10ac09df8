package domain

import "time"

// Rate-limit operation classes. Sends and reactions carry separate budgets.
const (
	LimitClassSend  = "send"
	LimitClassReact = "react"
)

// RateLimitWindow is a fixed-window counter keyed per user per operation
// class. The count is only ever read and incremented inside one transaction
// that also checks the limit; a window older than its period is atomically
// reset rather than incremented.
type RateLimitWindow struct {
	ID          string    `gorm:"type:varchar(96);primaryKey"` // "<user>:<class>"
	WindowStart time.Time `gorm:"not null"`
	Count       int       `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

// TableName implements the GORM tabler interface.
func (RateLimitWindow) TableName() string { return "rate_limit_windows" }

// RateLimitKey builds the window row key for a user and operation class.
func RateLimitKey(userID, class string) string { return userID + ":" + class }

package domain

import (
	"time"

	"gorm.io/datatypes"
)

// AllowedEmojis is the fixed allow-list accepted by the reaction toggle.
var AllowedEmojis = map[string]struct{}{
	"👍": {}, "❤️": {}, "😂": {}, "😮": {}, "😢": {}, "🔥": {}, "🎉": {}, "👏": {},
}

// AllowedEmoji reports whether e may be used as a reaction.
func AllowedEmoji(e string) bool {
	_, ok := AllowedEmojis[e]
	return ok
}

// Reaction holds the reactor set for one (message, emoji) pair. Count always
// equals len(UserIDs); the row is deleted when the set becomes empty.
type Reaction struct {
	ID        string                      `json:"id"         gorm:"type:char(36);primaryKey"`
	MessageID string                      `json:"message_id" gorm:"type:char(36);not null;uniqueIndex:ux_msg_emoji,priority:1"`
	Emoji     string                      `json:"emoji"      gorm:"type:varchar(16);not null;uniqueIndex:ux_msg_emoji,priority:2"`
	UserIDs   datatypes.JSONSlice[string] `json:"user_ids"`
	Count     int                         `json:"count"      gorm:"not null;default:0"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

// TableName returns the database table name for Reaction.
func (Reaction) TableName() string { return "reactions" }

// Has reports whether userID is in the reactor set.
func (r *Reaction) Has(userID string) bool {
	for _, id := range r.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

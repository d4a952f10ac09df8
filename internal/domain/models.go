// Package domain defines the persistence models for conversations, messages,
// reactions, and rate-limit windows. These types are mapped with GORM and form
// the core data layer of the message synchronization engine.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Conversation scopes.
const (
	ScopeDM    = "dm"
	ScopeGroup = "group"
)

// Message kinds accepted by the ingestion service.
const (
	KindText      = "text"
	KindMedia     = "media"
	KindVoice     = "voice"
	KindFile      = "file"
	KindSystem    = "system"
	KindScorecard = "scorecard"
)

// ValidKind reports whether k is one of the accepted message kinds.
func ValidKind(k string) bool {
	switch k {
	case KindText, KindMedia, KindVoice, KindFile, KindSystem, KindScorecard:
		return true
	}
	return false
}

// Group membership roles, in ascending privilege order.
const (
	RoleMember    = "member"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
	RoleOwner     = "owner"
)

// Conversation identifies a DM or group thread. DM conversations hold exactly
// two members inline (MemberA/MemberB); group membership lives in the
// Membership table. The last-message preview fields are denormalized
// conveniences updated best-effort on every successful ingestion.
//
// Conversations are created on first message (DM) or by an external
// collaborator (group); this engine never deletes them.
type Conversation struct {
	ID      string `json:"id"     gorm:"type:char(36);primaryKey"`
	Scope   string `json:"scope"  gorm:"type:varchar(8);not null;check:scope IN ('dm','group')"`
	MemberA string `json:"member_a,omitempty" gorm:"type:varchar(64);index:idx_dm_members,priority:1"`
	MemberB string `json:"member_b,omitempty" gorm:"type:varchar(64);index:idx_dm_members,priority:2"`

	LastMessageText   string    `json:"last_message_text"`
	LastMessageSender string    `json:"last_message_sender" gorm:"type:varchar(64)"`
	LastMessageKind   string    `json:"last_message_kind"   gorm:"type:varchar(16)"`
	LastMessageAt     time.Time `json:"last_message_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Membership records a user's presence (and role) in a group conversation.
type Membership struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex:ux_member,priority:1"`
	UserID         string    `json:"user_id"         gorm:"type:varchar(64);not null;uniqueIndex:ux_member,priority:2"`
	Role           string    `json:"role"            gorm:"type:varchar(16);not null;default:'member';check:role IN ('member','moderator','admin','owner')"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for Membership.
func (Membership) TableName() string { return "memberships" }

// CanModerate reports whether the membership role allows deleting other
// members' messages outside the sender edit window.
func (m Membership) CanModerate() bool {
	switch m.Role {
	case RoleModerator, RoleAdmin, RoleOwner:
		return true
	}
	return false
}

// Block records that blocker has blocked blocked. DM sends require neither
// direction to exist between the two parties.
type Block struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	BlockerID string    `json:"blocker_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_block,priority:1"`
	BlockedID string    `json:"blocked_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_block,priority:2"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Block.
func (Block) TableName() string { return "blocks" }

// EditEntry is one element of a message's edit history: the body that was
// replaced and when the replacement happened.
type EditEntry struct {
	Body     string    `json:"body"`
	EditedAt time.Time `json:"edited_at"`
}

// Message is a single message in a conversation.
//
// The ID is client-generated and globally unique; it is the idempotency key
// for the create operation. The same ID submitted twice must yield the same
// stored message and never a second row. ReceiptTime is server-assigned and
// authoritative for ordering/display; ClientTime is advisory only.
//
// Deletion never removes the row (position must be preserved for other
// clients): it clears the body and attachments and sets the deletion marker.
type Message struct {
	ID             string `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	Scope          string `json:"scope"           gorm:"type:varchar(8);not null"`
	SenderID       string `json:"sender_id"       gorm:"type:varchar(64);not null;index"`
	Kind           string `json:"kind"            gorm:"type:varchar(16);not null"`
	Body           string `json:"body"            gorm:"type:text"`

	ReplyToID   string                         `json:"reply_to_id,omitempty" gorm:"type:char(36)"`
	Mentions    datatypes.JSONSlice[string]    `json:"mentions,omitempty"`
	Attachments datatypes.JSONSlice[string]    `json:"attachments,omitempty"`
	EditHistory datatypes.JSONSlice[EditEntry] `json:"edit_history,omitempty"`

	// Reactions is the denormalized emoji -> reactor count summary. It is
	// rewritten inside the same transaction as any Reaction row change so it
	// can never diverge from the per-emoji rows.
	Reactions datatypes.JSONMap `json:"reactions,omitempty"`

	ClientTime  time.Time  `json:"client_time"`
	ReceiptTime time.Time  `json:"receipt_time" gorm:"index:idx_conv_msgs,priority:2"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`

	Deleted   bool       `json:"deleted"              gorm:"not null;default:false"`
	DeletedBy string     `json:"deleted_by,omitempty" gorm:"type:varchar(64)"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

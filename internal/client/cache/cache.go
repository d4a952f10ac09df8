// Package cache implements the Local Message Cache: an embedded,
// synchronously-queryable SQLite store holding the device's view of
// conversations and messages together with their sync state.
//
// The cache is a leaf component. Every mutation is one write transaction in
// SQLite, which is the only serialization the sync engine and the
// subscription bridge need between their interleaved writes.
package cache

import (
	"errors"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
)

// Sync states of a locally cached message.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// CachedMessage mirrors a message row plus its client-side sync state.
//
// ID is the client-generated identity shared with the server. A message in
// StatusSynced never transitions back; a new logical resend means a new id.
type CachedMessage struct {
	ID             string `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string `json:"conversation_id" gorm:"type:char(36);not null;index:idx_cache_conv,priority:1"`
	Scope          string `json:"scope"           gorm:"type:varchar(8);not null"`
	SenderID       string `json:"sender_id"       gorm:"type:varchar(64);not null"`
	PeerID         string `json:"peer_id,omitempty" gorm:"type:varchar(64)"`
	Kind           string `json:"kind"            gorm:"type:varchar(16);not null"`
	Body           string `json:"body"            gorm:"type:text"`

	ReplyToID   string                      `json:"reply_to_id,omitempty" gorm:"type:char(36)"`
	Mentions    datatypes.JSONSlice[string] `json:"mentions,omitempty"`
	Attachments datatypes.JSONSlice[string] `json:"attachments,omitempty"`
	Reactions   datatypes.JSONMap           `json:"reactions,omitempty"`

	ClientTime  time.Time  `json:"client_time"     gorm:"index:idx_cache_conv,priority:2"`
	ReceiptTime *time.Time `json:"receipt_time,omitempty"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
	Deleted     bool       `json:"deleted"         gorm:"not null;default:false"`
	DeletedBy   string     `json:"deleted_by,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`

	SyncStatus    string    `json:"sync_status" gorm:"type:varchar(12);not null;default:'pending';index;check:sync_status IN ('pending','synced','failed')"`
	RetryCount    int       `json:"retry_count" gorm:"not null;default:0"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the cache table name for messages.
func (CachedMessage) TableName() string { return "cached_messages" }

// CachedConversation mirrors a conversation with its preview fields for fast
// listing without joining messages.
type CachedConversation struct {
	ID                string    `json:"id"    gorm:"type:char(36);primaryKey"`
	Scope             string    `json:"scope" gorm:"type:varchar(8);not null"`
	LastMessageText   string    `json:"last_message_text"`
	LastMessageSender string    `json:"last_message_sender"`
	LastMessageKind   string    `json:"last_message_kind"`
	LastMessageAt     time.Time `json:"last_message_at" gorm:"index"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName returns the cache table name for conversations.
func (CachedConversation) TableName() string { return "cached_conversations" }

// Cache wraps the embedded store.
type Cache struct {
	db *gorm.DB
}

// Open opens (or creates) the on-device cache at path and migrates its schema.
func Open(path string) (*Cache, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")
	if err := db.AutoMigrate(&CachedMessage{}, &CachedConversation{}); err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertOptions tunes Insert behavior.
type InsertOptions struct {
	// LocalOnly marks the row synced immediately so the engine never ships it
	// (diagnostic / device-local system messages).
	LocalOnly bool
}

// Insert persists a locally created message as pending (unless LocalOnly) and
// refreshes the conversation preview. Inserting an id that already exists is
// an idempotent no-op, never an error.
func (c *Cache) Insert(m *CachedMessage, opts InsertOptions) (*CachedMessage, error) {
	if m.SyncStatus == "" {
		m.SyncStatus = StatusPending
	}
	if opts.LocalOnly {
		m.SyncStatus = StatusSynced
	}
	if m.ClientTime.IsZero() {
		m.ClientTime = time.Now().UTC()
	}
	if m.NextAttemptAt.IsZero() {
		m.NextAttemptAt = m.ClientTime
	}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			if isUniqueViolation(err) {
				return nil // duplicate id: swallow
			}
			return err
		}
		return upsertPreview(tx, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Get fetches one cached message by id.
func (c *Cache) Get(id string) (*CachedMessage, error) {
	var m CachedMessage
	if err := c.db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListForConversation returns the newest limit messages of a conversation in
// insertion order (client time, then id). The bound trims the oldest end so a
// history view always opens on the latest messages.
func (c *Cache) ListForConversation(conversationID string, limit int) ([]CachedMessage, error) {
	var out []CachedMessage
	q := c.db.Where("conversation_id = ?", conversationID).
		Order("client_time DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListByStatus returns up to limit messages in the given sync state, oldest
// first, the order the flush pass ships them in, preserving causal order per
// conversation.
func (c *Cache) ListByStatus(status string, limit int) ([]CachedMessage, error) {
	var out []CachedMessage
	q := c.db.Where("sync_status = ?", status).
		Order("client_time ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// UpdateStatus transitions a message's sync state and bookkeeping columns.
func (c *Cache) UpdateStatus(id, status string, retryCount int, lastError string, nextAttempt time.Time) error {
	return c.db.Model(&CachedMessage{}).Where("id = ?", id).
		Updates(map[string]any{
			"sync_status":     status,
			"retry_count":     retryCount,
			"last_error":      lastError,
			"next_attempt_at": nextAttempt,
		}).Error
}

// MarkSynced adopts the canonical server record for an acknowledged send and
// transitions the row to synced. The ack goes through the same merge as
// pushed events: a replayed send whose message was edited or deleted
// server-side in the interim converges immediately instead of waiting for a
// push or backfill.
func (c *Cache) MarkSynced(id string, canonical *domain.Message) error {
	if canonical == nil {
		return c.db.Model(&CachedMessage{}).Where("id = ?", id).
			Updates(map[string]any{"sync_status": StatusSynced, "last_error": ""}).Error
	}
	return c.UpsertFromRemote(canonical)
}

// Counts reports how many messages sit in pending and failed states; the UI
// surfaces these as "sending…" and "tap to retry".
func (c *Cache) Counts() (pending, failed int64, err error) {
	if err = c.db.Model(&CachedMessage{}).Where("sync_status = ?", StatusPending).Count(&pending).Error; err != nil {
		return
	}
	err = c.db.Model(&CachedMessage{}).Where("sync_status = ?", StatusFailed).Count(&failed).Error
	return
}

// UpsertFromRemote merges a server-side message into the cache. The merge is
// idempotent and commutative under repeated delivery:
//
//   - no local row: the remote record is inserted as synced;
//   - local row pending: it transitions to synced and adopts the
//     server-authoritative fields (receipt time, body, edit/deletion state,
//     reaction summary) while keeping attachments the server has not echoed
//     back yet;
//   - local row synced: server fields overwrite local ones (edits, deletions,
//     reaction updates arrive this way).
func (c *Cache) UpsertFromRemote(remote *domain.Message) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		var local CachedMessage
		err := tx.Where("id = ?", remote.ID).First(&local).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := fromRemote(remote)
			if err := tx.Create(row).Error; err != nil {
				if isUniqueViolation(err) {
					return nil
				}
				return err
			}
			return upsertPreview(tx, row)
		case err != nil:
			return err
		}

		rt := remote.ReceiptTime
		updates := map[string]any{
			"sync_status":  StatusSynced,
			"last_error":   "",
			"body":         remote.Body,
			"receipt_time": &rt,
			"edited_at":    remote.EditedAt,
			"deleted":      remote.Deleted,
			"deleted_by":   remote.DeletedBy,
			"deleted_at":   remote.DeletedAt,
			"reactions":    remote.Reactions,
		}
		// Keep local attachment references the server hasn't echoed yet.
		if len(remote.Attachments) > 0 || local.SyncStatus != StatusPending {
			updates["attachments"] = remote.Attachments
		}
		if err := tx.Model(&CachedMessage{}).Where("id = ?", remote.ID).Updates(updates).Error; err != nil {
			return err
		}
		// An edit or deletion of the previewed message must show through.
		return upsertPreview(tx, fromRemote(remote))
	})
}

// ApplyReactionSummary overwrites the denormalized reaction map of a cached
// message. Unknown ids are ignored (the history page will bring the message
// in later).
func (c *Cache) ApplyReactionSummary(messageID string, summary map[string]any) error {
	return c.db.Model(&CachedMessage{}).Where("id = ?", messageID).
		Update("reactions", datatypes.JSONMap(summary)).Error
}

// fromRemote converts a canonical server record into a synced cache row.
func fromRemote(remote *domain.Message) *CachedMessage {
	rt := remote.ReceiptTime
	return &CachedMessage{
		ID:             remote.ID,
		ConversationID: remote.ConversationID,
		Scope:          remote.Scope,
		SenderID:       remote.SenderID,
		Kind:           remote.Kind,
		Body:           remote.Body,
		ReplyToID:      remote.ReplyToID,
		Mentions:       remote.Mentions,
		Attachments:    remote.Attachments,
		Reactions:      remote.Reactions,
		ClientTime:     remote.ClientTime,
		ReceiptTime:    &rt,
		EditedAt:       remote.EditedAt,
		Deleted:        remote.Deleted,
		DeletedBy:      remote.DeletedBy,
		DeletedAt:      remote.DeletedAt,
		SyncStatus:     StatusSynced,
	}
}

// upsertPreview refreshes the conversation preview row for m when m is newer
// than the current preview.
func upsertPreview(tx *gorm.DB, m *CachedMessage) error {
	at := m.ClientTime
	if m.ReceiptTime != nil {
		at = *m.ReceiptTime
	}

	var conv CachedConversation
	err := tx.Where("id = ?", m.ConversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&CachedConversation{
			ID:                m.ConversationID,
			Scope:             m.Scope,
			LastMessageText:   m.Body,
			LastMessageSender: m.SenderID,
			LastMessageKind:   m.Kind,
			LastMessageAt:     at,
		}).Error
	}
	if err != nil {
		return err
	}
	if at.Before(conv.LastMessageAt) {
		return nil
	}
	return tx.Model(&CachedConversation{}).Where("id = ?", m.ConversationID).
		Updates(map[string]any{
			"last_message_text":   m.Body,
			"last_message_sender": m.SenderID,
			"last_message_kind":   m.Kind,
			"last_message_at":     at,
		}).Error
}

// isUniqueViolation classifies driver errors for unique-constraint failures.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "constraint failed: unique")
}

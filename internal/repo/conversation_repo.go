// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation, Membership, and Block models.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
)

// GetConversation fetches a conversation by ID, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// EnsureDMConversation returns the DM conversation with the given id,
// creating it with the two participants when it does not exist yet.
// Conversations are created on first message; a concurrent create losing the
// race reads back the winner's row.
func EnsureDMConversation(ctx context.Context, db *gorm.DB, id, memberA, memberB string) (*domain.Conversation, error) {
	c, err := GetConversation(ctx, db, id)
	if err == nil {
		return c, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	c = &domain.Conversation{
		ID:        id,
		Scope:     domain.ScopeDM,
		MemberA:   memberA,
		MemberB:   memberB,
		CreatedAt: now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return GetConversation(ctx, db, id)
		}
		return nil, err
	}
	return c, nil
}

// UpdatePreview sets the conversation's denormalized last-message fields.
func UpdatePreview(ctx context.Context, db *gorm.DB, conversationID string, m *domain.Message) error {
	return db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{
			"last_message_text":   m.Body,
			"last_message_sender": m.SenderID,
			"last_message_kind":   m.Kind,
			"last_message_at":     m.ReceiptTime,
		}).Error
}

// RefreshPreview recomputes the conversation's preview from its newest
// message by receipt time. Edits and deletes change the previewed body in
// place, so the preview must be re-derived rather than patched.
func RefreshPreview(ctx context.Context, db *gorm.DB, conversationID string) error {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("receipt_time DESC, id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return UpdatePreview(ctx, db, conversationID, &m)
}

// GetMembership returns the membership row for a user in a group
// conversation, or ErrNotFound.
func GetMembership(ctx context.Context, db *gorm.DB, conversationID, userID string) (*domain.Membership, error) {
	var mb domain.Membership
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&mb).Error
	if err != nil {
		return nil, err
	}
	return &mb, nil
}

// AddMembership inserts a group membership row (used by tests and the
// external conversation-lifecycle collaborator).
func AddMembership(ctx context.Context, db *gorm.DB, conversationID, userID, role string) (*domain.Membership, error) {
	mb := &domain.Membership{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(mb).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return mb, nil
}

// BlockedEitherWay reports whether a block exists between the two users in
// either direction.
func BlockedEitherWay(ctx context.Context, db *gorm.DB, a, b string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a).
		Count(&n).Error
	return n > 0, err
}

// AddBlock inserts a block row; duplicate blocks are reported as ErrDuplicate.
func AddBlock(ctx context.Context, db *gorm.DB, blockerID, blockedID string) error {
	b := &domain.Block{
		ID:        uuid.NewString(),
		BlockerID: blockerID,
		BlockedID: blockedID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(b).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

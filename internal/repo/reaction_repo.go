// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Reaction
// model. Reaction mutations are always performed by the ingestion service
// inside one transaction together with the message summary rewrite, so these
// helpers take whatever handle (tx or db) the caller is operating on.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
)

// GetReaction fetches the reaction row for (messageID, emoji), or ErrNotFound.
func GetReaction(ctx context.Context, db *gorm.DB, messageID, emoji string) (*domain.Reaction, error) {
	var r domain.Reaction
	err := db.WithContext(ctx).
		Where("message_id = ? AND emoji = ?", messageID, emoji).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReactions returns all reaction rows for a message.
func ListReactions(ctx context.Context, db *gorm.DB, messageID string) ([]domain.Reaction, error) {
	var out []domain.Reaction
	err := db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("emoji ASC").
		Find(&out).Error
	return out, err
}

// CountDistinctEmojis returns how many distinct emoji rows exist for a message.
func CountDistinctEmojis(ctx context.Context, db *gorm.DB, messageID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Reaction{}).
		Where("message_id = ?", messageID).
		Count(&n).Error
	return n, err
}

// SaveReaction inserts or updates a reaction row. Count is kept equal to the
// cardinality of the reactor set here so callers cannot desynchronize them.
func SaveReaction(ctx context.Context, db *gorm.DB, r *domain.Reaction) error {
	r.Count = len(r.UserIDs)
	return db.WithContext(ctx).Save(r).Error
}

// DeleteReaction removes a reaction row (the last reactor left).
func DeleteReaction(ctx context.Context, db *gorm.DB, r *domain.Reaction) error {
	return db.WithContext(ctx).Delete(r).Error
}

// ReactionSummary rebuilds the emoji -> count map from the live reaction rows
// of a message. Used to rewrite the message's denormalized summary inside the
// same transaction as a toggle.
func ReactionSummary(ctx context.Context, db *gorm.DB, messageID string) (map[string]any, error) {
	rows, err := ListReactions(ctx, db, messageID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	summary := make(map[string]any, len(rows))
	for _, r := range rows {
		summary[r.Emoji] = len(r.UserIDs)
	}
	return summary, nil
}

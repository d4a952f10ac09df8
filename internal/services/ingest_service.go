// Package services – IngestionService
//
// This file implements IngestionService, the server-side component that owns
// all message mutations: idempotent create, sender edits, delete-for-all, and
// reaction toggles. Every operation passes the rate/authorization gate first,
// then performs its writes as one atomic transaction per logical operation,
// and finally publishes a change event for subscribers.
//
// Idempotency contract: the client-generated message id is the sole identity.
// A create whose id already exists returns the stored record verbatim with
// IsExisting=true and performs no further writes; two concurrent creates with
// the same id serialize on the primary key so exactly one physical write
// occurs.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include conversation/message/user identifiers.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
	"github.com/rfletes45/snapstyle-sync/internal/gate"
	"github.com/rfletes45/snapstyle-sync/internal/pubsub"
	"github.com/rfletes45/snapstyle-sync/internal/repo"
)

// ingestTotal counts ingestion outcomes by operation and result.
var ingestTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingest_operations_total",
		Help: "Total ingestion operations by op and result.",
	},
	[]string{"op", "result"},
)

func init() {
	prometheus.MustRegister(ingestTotal)
}

// Reaction toggle outcomes.
const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

// IngestionService coordinates message persistence, authorization, rate
// limiting, and change-event publication.
type IngestionService struct {
	DB   *gorm.DB
	Gate *gate.Gate
	Hub  *pubsub.Hub
	Log  zerolog.Logger

	// EditWindow bounds sender edits and sender deletes after server receipt.
	EditWindow time.Duration
	// MaxEmojiPerMessage caps distinct reaction emojis per message, enforced
	// only when a new emoji row would be created.
	MaxEmojiPerMessage int

	// Now is a seam for tests; defaults to time.Now.
	Now func() time.Time
}

func (s *IngestionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *IngestionService) editWindow() time.Duration {
	if s.EditWindow > 0 {
		return s.EditWindow
	}
	return 15 * time.Minute
}

func (s *IngestionService) emojiCap() int {
	if s.MaxEmojiPerMessage > 0 {
		return s.MaxEmojiPerMessage
	}
	return 8
}

func (s *IngestionService) publish(ev pubsub.Event) {
	if s.Hub != nil {
		s.Hub.Publish(ev)
	}
}

// checkMember resolves the conversation and verifies membership, mapping gate
// denials onto the service error taxonomy.
func (s *IngestionService) checkMember(ctx context.Context, conversationID, userID string) error {
	conv, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := s.Gate.CheckMembership(ctx, conv, userID); err != nil {
		if errors.Is(err, gate.ErrNotMember) || errors.Is(err, gate.ErrBlocked) {
			return ErrPermissionDenied
		}
		return err
	}
	return nil
}

// AuthorizeSubscriber verifies a user may stream a conversation's change
// events. Subscriptions pass through the same membership authority as writes.
func (s *IngestionService) AuthorizeSubscriber(ctx context.Context, conversationID, userID string) error {
	return s.checkMember(ctx, conversationID, userID)
}

// refreshPreview re-derives the conversation preview after a mutation that
// can change the previewed body. Best-effort like the create path: preview is
// derived state, failures are logged and ignored.
func (s *IngestionService) refreshPreview(ctx context.Context, conversationID string) {
	if err := repo.RefreshPreview(ctx, s.DB, conversationID); err != nil {
		s.Log.Warn().Err(err).Str("conversation_id", conversationID).
			Msg("conversation preview update failed; ignoring")
	}
}

// CreateRequest is the validated input of a message create.
type CreateRequest struct {
	MessageID      string
	ConversationID string
	Scope          string
	SenderID       string
	// PeerID names the other DM party; required only when the DM conversation
	// does not exist yet (conversations are created on first message).
	PeerID      string
	Kind        string
	Body        string
	ReplyToID   string
	Mentions    []string
	Attachments []string
	ClientTime  time.Time
}

// CreateMessage ingests a message idempotently. The returned bool is the
// IsExisting flag: true when the id was already stored and the canonical
// record is returned unchanged.
//
// Precondition order: field validation, membership (and mutual block for
// DMs), rate limit, then the idempotent existence short-circuit before any
// write. The conversation preview update afterwards is best-effort: preview
// is derived state, so its failure is logged and ignored.
func (s *IngestionService) CreateMessage(ctx context.Context, req CreateRequest) (*domain.Message, bool, error) {
	tr := otel.Tracer("services/IngestionService")
	ctx, span := tr.Start(ctx, "CreateMessage",
		trace.WithAttributes(
			attribute.String("conversation.id", req.ConversationID),
			attribute.String("message.id", req.MessageID),
			attribute.String("user.id", req.SenderID),
		),
	)
	defer span.End()

	if err := gate.ValidateCreate(req.MessageID, req.ConversationID, req.Scope, req.SenderID, req.Kind, req.Body); err != nil {
		ingestTotal.WithLabelValues("create", "invalid").Inc()
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}

	conv, err := s.resolveConversation(ctx, req)
	if err != nil {
		return nil, false, err
	}

	if err := s.Gate.CheckMembership(ctx, conv, req.SenderID); err != nil {
		switch {
		case errors.Is(err, gate.ErrNotMember), errors.Is(err, gate.ErrBlocked):
			ingestTotal.WithLabelValues("create", "denied").Inc()
			return nil, false, fmt.Errorf("%w: %s", ErrPermissionDenied, err)
		default:
			return nil, false, err
		}
	}

	if err := s.Gate.AllowRate(ctx, req.SenderID, domain.LimitClassSend); err != nil {
		ingestTotal.WithLabelValues("create", "rate_limited").Inc()
		return nil, false, ErrRateLimited
	}

	// Idempotency short-circuit: same id → same stored message, no writes.
	if existing, err := repo.GetMessage(ctx, s.DB, req.MessageID); err == nil {
		ingestTotal.WithLabelValues("create", "existing").Inc()
		return existing, true, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	m := &domain.Message{
		ID:             req.MessageID,
		ConversationID: conv.ID,
		Scope:          conv.Scope,
		SenderID:       req.SenderID,
		Kind:           req.Kind,
		Body:           req.Body,
		ReplyToID:      req.ReplyToID,
		Mentions:       req.Mentions,
		Attachments:    req.Attachments,
		ClientTime:     req.ClientTime.UTC(),
		ReceiptTime:    s.now(),
		Reactions:      datatypes.JSONMap{},
		CreatedAt:      s.now(),
	}
	if err := repo.InsertMessage(ctx, s.DB, m); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// Lost the race to a concurrent create with the same id; return
			// the winner's row as existing.
			winner, gerr := repo.GetMessage(ctx, s.DB, req.MessageID)
			if gerr != nil {
				return nil, false, gerr
			}
			ingestTotal.WithLabelValues("create", "existing").Inc()
			return winner, true, nil
		}
		ingestTotal.WithLabelValues("create", "error").Inc()
		return nil, false, err
	}

	if err := repo.UpdatePreview(ctx, s.DB, conv.ID, m); err != nil {
		s.Log.Warn().Err(err).Str("conversation_id", conv.ID).
			Msg("conversation preview update failed; ignoring")
	}

	ingestTotal.WithLabelValues("create", "created").Inc()
	s.publish(pubsub.Event{
		Type:           pubsub.EventMessageNew,
		ConversationID: conv.ID,
		MessageID:      m.ID,
		Message:        m,
	})
	return m, false, nil
}

// resolveConversation loads the target conversation, creating the DM row on
// first message when the peer is named.
func (s *IngestionService) resolveConversation(ctx context.Context, req CreateRequest) (*domain.Conversation, error) {
	conv, err := repo.GetConversation(ctx, s.DB, req.ConversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if req.Scope != domain.ScopeDM || req.PeerID == "" {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, req.ConversationID)
	}
	return repo.EnsureDMConversation(ctx, s.DB, req.ConversationID, req.SenderID, req.PeerID)
}

// EditMessage updates a text message's body under the single-owner,
// last-writer-wins rule: only the original sender, only within the edit
// window, never after deletion. The replaced body is appended to the edit
// history.
func (s *IngestionService) EditMessage(ctx context.Context, messageID, editorID, newBody string) (*domain.Message, error) {
	tr := otel.Tracer("services/IngestionService")
	ctx, span := tr.Start(ctx, "EditMessage",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", editorID),
		),
	)
	defer span.End()

	if len(newBody) == 0 {
		return nil, fmt.Errorf("%w: body required", ErrInvalidArgument)
	}

	var out *domain.Message
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.GetMessage(ctx, tx, messageID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		switch {
		case m.SenderID != editorID:
			return ErrPermissionDenied
		case m.Deleted:
			return fmt.Errorf("%w: message deleted", ErrFailedPrecondition)
		case m.Kind != domain.KindText:
			return fmt.Errorf("%w: only text messages are editable", ErrFailedPrecondition)
		}
		now := s.now()
		if now.Sub(m.ReceiptTime) > s.editWindow() {
			return fmt.Errorf("%w: edit window expired", ErrFailedPrecondition)
		}

		m.EditHistory = append(m.EditHistory, domain.EditEntry{Body: m.Body, EditedAt: now})
		m.Body = newBody
		m.EditedAt = &now
		if err := tx.Save(m).Error; err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		ingestTotal.WithLabelValues("edit", "error").Inc()
		return nil, err
	}

	s.refreshPreview(ctx, out.ConversationID)

	ingestTotal.WithLabelValues("edit", "ok").Inc()
	s.publish(pubsub.Event{
		Type:           pubsub.EventMessageEdited,
		ConversationID: out.ConversationID,
		MessageID:      out.ID,
		Message:        out,
	})
	return out, nil
}

// DeleteForAll marks a message deleted for every participant. The sender may
// delete within the edit window; group moderators/admins/owners may delete at
// any time. Deleting an already-deleted message is a no-op that returns the
// original deletion metadata. The row is never removed; position and
// ordering must survive for other clients.
func (s *IngestionService) DeleteForAll(ctx context.Context, messageID, requesterID string) (*domain.Message, error) {
	tr := otel.Tracer("services/IngestionService")
	ctx, span := tr.Start(ctx, "DeleteForAll",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", requesterID),
		),
	)
	defer span.End()

	var out *domain.Message
	var replay bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.GetMessage(ctx, tx, messageID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if m.Deleted {
			out, replay = m, true
			return nil
		}

		if err := s.authorizeDelete(ctx, tx, m, requesterID); err != nil {
			return err
		}

		now := s.now()
		m.Body = ""
		m.Attachments = nil
		m.Deleted = true
		m.DeletedBy = requesterID
		m.DeletedAt = &now
		if err := tx.Save(m).Error; err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		ingestTotal.WithLabelValues("delete", "error").Inc()
		return nil, err
	}
	if replay {
		ingestTotal.WithLabelValues("delete", "existing").Inc()
		return out, nil
	}

	s.refreshPreview(ctx, out.ConversationID)

	ingestTotal.WithLabelValues("delete", "ok").Inc()
	s.publish(pubsub.Event{
		Type:           pubsub.EventMessageDeleted,
		ConversationID: out.ConversationID,
		MessageID:      out.ID,
		Message:        out,
	})
	return out, nil
}

func (s *IngestionService) authorizeDelete(ctx context.Context, tx *gorm.DB, m *domain.Message, requesterID string) error {
	if m.SenderID == requesterID {
		if s.now().Sub(m.ReceiptTime) > s.editWindow() {
			return fmt.Errorf("%w: delete window expired", ErrFailedPrecondition)
		}
		return nil
	}
	if m.Scope == domain.ScopeGroup {
		mb, err := repo.GetMembership(ctx, tx, m.ConversationID, requesterID)
		if err == nil && mb.CanModerate() {
			return nil
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	return ErrPermissionDenied
}

// ToggleReaction adds or removes the user's reaction for one emoji. The whole
// toggle (message load, reaction row mutation, and the rewrite of the
// message's denormalized summary) runs in a single transaction so the
// summary can never diverge from the per-emoji rows.
//
// Only conversation members may react. The distinct-emoji cap applies only
// when the toggle would create a new emoji row. Reactions are rate-limited
// under their own class, separate from message sends.
func (s *IngestionService) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (string, map[string]any, error) {
	tr := otel.Tracer("services/IngestionService")
	ctx, span := tr.Start(ctx, "ToggleReaction",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if !domain.AllowedEmoji(emoji) {
		return "", nil, fmt.Errorf("%w: emoji not allowed", ErrInvalidArgument)
	}

	// Same precondition order as create: membership before the rate limit, so
	// a denied toggle never consumes reaction budget.
	target, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}
	if err := s.checkMember(ctx, target.ConversationID, userID); err != nil {
		ingestTotal.WithLabelValues("react", "denied").Inc()
		return "", nil, err
	}

	if err := s.Gate.AllowRate(ctx, userID, domain.LimitClassReact); err != nil {
		ingestTotal.WithLabelValues("react", "rate_limited").Inc()
		return "", nil, ErrRateLimited
	}

	var (
		action         string
		summary        map[string]any
		conversationID string
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.GetMessage(ctx, tx, messageID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if m.Deleted {
			return fmt.Errorf("%w: message deleted", ErrFailedPrecondition)
		}
		conversationID = m.ConversationID

		r, err := repo.GetReaction(ctx, tx, messageID, emoji)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// First reactor for this emoji: enforce the distinct-emoji cap.
			n, cerr := repo.CountDistinctEmojis(ctx, tx, messageID)
			if cerr != nil {
				return cerr
			}
			if int(n) >= s.emojiCap() {
				return fmt.Errorf("%w: reaction cap reached", ErrFailedPrecondition)
			}
			r = newReaction(messageID, emoji, userID)
			if err := repo.SaveReaction(ctx, tx, r); err != nil {
				return err
			}
			action = ReactionAdded
		case err != nil:
			return err
		case r.Has(userID):
			r.UserIDs = removeUser(r.UserIDs, userID)
			if len(r.UserIDs) == 0 {
				if err := repo.DeleteReaction(ctx, tx, r); err != nil {
					return err
				}
			} else if err := repo.SaveReaction(ctx, tx, r); err != nil {
				return err
			}
			action = ReactionRemoved
		default:
			r.UserIDs = append(r.UserIDs, userID)
			if err := repo.SaveReaction(ctx, tx, r); err != nil {
				return err
			}
			action = ReactionAdded
		}

		summary, err = repo.ReactionSummary(ctx, tx, messageID)
		if err != nil {
			return err
		}
		m.Reactions = datatypes.JSONMap(summary)
		return tx.Model(&domain.Message{}).Where("id = ?", messageID).
			Update("reactions", datatypes.JSONMap(summary)).Error
	})
	if err != nil {
		ingestTotal.WithLabelValues("react", "error").Inc()
		return "", nil, err
	}

	ingestTotal.WithLabelValues("react", action).Inc()
	s.publish(pubsub.Event{
		Type:           pubsub.EventReactionUpdated,
		ConversationID: conversationID,
		MessageID:      messageID,
		Summary:        summary,
	})
	return action, summary, nil
}

// ListMessages returns one page of a conversation's history, newest-bounded,
// after a membership check.
func (s *IngestionService) ListMessages(ctx context.Context, conversationID, userID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/IngestionService")
	ctx, span := tr.Start(ctx, "ListMessages",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	if err := s.checkMember(ctx, conversationID, userID); err != nil {
		return nil, 0, err
	}

	total, err := repo.CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, err
	}
	items, err := repo.ListMessagesPage(ctx, s.DB, conversationID, (page-1)*pageSize, pageSize)
	return items, total, err
}

func newReaction(messageID, emoji, userID string) *domain.Reaction {
	return &domain.Reaction{
		ID:        messageID + ":" + emoji,
		MessageID: messageID,
		Emoji:     emoji,
		UserIDs:   []string{userID},
		CreatedAt: time.Now().UTC(),
	}
}

func removeUser(ids []string, userID string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

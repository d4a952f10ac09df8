// Package gate implements the server-side rate/authorization checks that
// every ingestion operation passes through before touching message state:
// field validation, conversation membership, mutual-block lookups, and a
// transactional per-user rate-limit window.
//
// The gate is stateless; all state lives in the store. Checks are ordered by
// cost: validation first (no I/O), then membership/block reads, then the
// rate-limit transaction.
package gate

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
	"github.com/rfletes45/snapstyle-sync/internal/repo"
)

// Gate errors, mapped to the ingestion error taxonomy by the service layer.
var (
	// ErrNotMember indicates the sender is not part of the conversation.
	ErrNotMember = errors.New("not a conversation member")

	// ErrBlocked indicates a block exists between the DM parties in either
	// direction.
	ErrBlocked = errors.New("blocked")

	// ErrRateLimited indicates the per-user window for the operation class is
	// exhausted.
	ErrRateLimited = errors.New("rate limited")
)

// failOpenTotal counts limiter infrastructure faults that were allowed
// through. The limiter deliberately fails open (availability over strict
// enforcement); this counter keeps the trade-off observable.
var failOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "ratelimit_fail_open_total",
	Help: "Rate-limit checks allowed through due to limiter read/write errors.",
})

func init() {
	prometheus.MustRegister(failOpenTotal)
}

// Limits configures the per-class budgets of the fixed-window limiter.
type Limits struct {
	Period      time.Duration // window length (60s)
	SendPerMin  int           // message creates per window
	ReactPerMin int           // reaction toggles per window
}

// DefaultLimits mirrors the production budgets: 30 sends and 60 reactions
// per 60-second window.
func DefaultLimits() Limits {
	return Limits{Period: time.Minute, SendPerMin: 30, ReactPerMin: 60}
}

// Gate bundles the store handle and limiter configuration.
type Gate struct {
	DB     *gorm.DB
	Limits Limits
	Log    zerolog.Logger

	// Now is a seam for tests; defaults to time.Now.
	Now func() time.Time
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

const maxBodyRunes = 4000

// ValidateCreate checks the field-level shape of a create request. It is the
// cheapest gate and runs before any store read.
func ValidateCreate(messageID, conversationID, scope, senderID, kind, body string) error {
	switch {
	case strings.TrimSpace(messageID) == "":
		return errors.New("message id required")
	case len(messageID) > 64:
		return errors.New("message id too long")
	case strings.TrimSpace(conversationID) == "":
		return errors.New("conversation id required")
	case strings.TrimSpace(senderID) == "":
		return errors.New("sender id required")
	case scope != domain.ScopeDM && scope != domain.ScopeGroup:
		return errors.New("scope must be dm or group")
	case !domain.ValidKind(kind):
		return errors.New("unknown message kind")
	case kind == domain.KindText && strings.TrimSpace(body) == "":
		return errors.New("text message body required")
	case utf8.RuneCountInString(body) > maxBodyRunes:
		return errors.New("body too long")
	}
	return nil
}

// CheckMembership verifies the sender belongs to the conversation: the inline
// member pair for DMs, the membership table for groups. For DM scope it also
// rejects when a block exists between the two parties in either direction.
func (g *Gate) CheckMembership(ctx context.Context, conv *domain.Conversation, senderID string) error {
	switch conv.Scope {
	case domain.ScopeDM:
		var peer string
		switch senderID {
		case conv.MemberA:
			peer = conv.MemberB
		case conv.MemberB:
			peer = conv.MemberA
		default:
			return ErrNotMember
		}
		blocked, err := repo.BlockedEitherWay(ctx, g.DB, senderID, peer)
		if err != nil {
			return err
		}
		if blocked {
			return ErrBlocked
		}
	case domain.ScopeGroup:
		if _, err := repo.GetMembership(ctx, g.DB, conv.ID, senderID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotMember
			}
			return err
		}
	default:
		return ErrNotMember
	}
	return nil
}

// AllowRate performs the fixed-window check-and-increment for one user and
// operation class inside a single transaction, eliminating the TOCTOU race
// between two concurrent requests both observing "under limit".
//
// Window semantics: a window older than the period is reset to count=1
// (allow); a full window rejects without incrementing; otherwise the count is
// incremented and the request allowed.
//
// Infrastructure faults reading or writing the window fail OPEN: the request
// is allowed, logged, and counted in ratelimit_fail_open_total.
func (g *Gate) AllowRate(ctx context.Context, userID, class string) error {
	limit := g.limitFor(class)
	if limit <= 0 {
		return nil
	}
	period := g.Limits.Period
	if period <= 0 {
		period = time.Minute
	}

	now := g.now()
	key := domain.RateLimitKey(userID, class)

	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w domain.RateLimitWindow
		err := tx.Where("id = ?", key).First(&w).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			w = domain.RateLimitWindow{ID: key, WindowStart: now, Count: 1}
			return tx.Create(&w).Error
		case err != nil:
			return err
		}

		if now.Sub(w.WindowStart) > period {
			w.WindowStart = now
			w.Count = 1
			return tx.Save(&w).Error
		}
		if w.Count >= limit {
			return ErrRateLimited
		}
		w.Count++
		return tx.Save(&w).Error
	})

	if errors.Is(err, ErrRateLimited) {
		return ErrRateLimited
	}
	if err != nil {
		failOpenTotal.Inc()
		g.Log.Error().Err(err).Str("user_id", userID).Str("class", class).
			Msg("rate limiter unavailable; failing open")
		return nil
	}
	return nil
}

func (g *Gate) limitFor(class string) int {
	switch class {
	case domain.LimitClassSend:
		return g.Limits.SendPerMin
	case domain.LimitClassReact:
		return g.Limits.ReactPerMin
	}
	return 0
}

// Package sync runs the reconciliation loop that ships locally queued
// messages to the ingestion service. It owns the retry policy; the cache owns
// the durable state; the transport owns failure classification.
package sync

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rfletes45/snapstyle-sync/internal/client/cache"
	"github.com/rfletes45/snapstyle-sync/internal/client/transport"
)

// Retry policy. Delay for attempt n (1-based) is base*2^(n-1) capped at max;
// after maxRetries the message parks as failed until the user retries it.
const (
	backoffBase = 2 * time.Second
	backoffMax  = 60 * time.Second
	maxRetries  = 5

	defaultInterval = 30 * time.Second
	flushBatchSize  = 100
)

// Sender is the slice of the transport the engine needs. Satisfied by
// *transport.Client.
type Sender interface {
	SendCreate(ctx context.Context, conversationID string, req transport.CreateMessage) (*transport.CreateResult, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Engine drains the cache's outbox. One flush pass runs at a time; triggers
// arriving mid-pass coalesce into at most one follow-up pass.
type Engine struct {
	cache  *cache.Cache
	send   Sender
	log    zerolog.Logger
	clock  Clock
	online func() bool

	interval time.Duration
	kick     chan struct{}

	// session guards against results from a superseded identity being applied
	// after sign-out. Bumped by ResetSession.
	session atomic.Int64

	mu       sync.Mutex
	inFlight map[string]struct{}
	flushing bool
	rerun    bool
}

// Options tunes the engine; zero values take defaults.
type Options struct {
	Interval time.Duration
	Clock    Clock
	// Online reports current connectivity. Nil means always online.
	Online func() bool
}

// New builds an Engine over the given cache and sender.
func New(c *cache.Cache, send Sender, log zerolog.Logger, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	return &Engine{
		cache:    c,
		send:     send,
		log:      log.With().Str("component", "sync-engine").Logger(),
		clock:    opts.Clock,
		online:   opts.Online,
		interval: opts.Interval,
		kick:     make(chan struct{}, 1),
		inFlight: make(map[string]struct{}),
	}
}

// Run drives the periodic loop until ctx is canceled. Call Kick to flush
// sooner (app foregrounded, connectivity restored, message queued).
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		e.Flush(ctx)
	}
}

// Kick requests a flush pass without blocking. Multiple kicks before the pass
// starts collapse into one.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Flush ships every due pending message, oldest first. Concurrent calls do
// not overlap: a call arriving while a pass runs schedules exactly one
// follow-up pass and returns.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	if e.flushing {
		e.rerun = true
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.mu.Unlock()

	for {
		e.flushOnce(ctx)

		e.mu.Lock()
		if !e.rerun || ctx.Err() != nil {
			e.flushing = false
			e.mu.Unlock()
			return
		}
		e.rerun = false
		e.mu.Unlock()
	}
}

func (e *Engine) flushOnce(ctx context.Context) {
	if !e.online() {
		e.log.Debug().Msg("offline, skipping flush")
		return
	}

	pending, err := e.cache.ListByStatus(cache.StatusPending, flushBatchSize)
	if err != nil {
		e.log.Error().Err(err).Msg("list pending")
		return
	}

	now := e.clock.Now()
	session := e.session.Load()
	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		m := &pending[i]
		if m.NextAttemptAt.After(now) {
			continue
		}
		if !e.acquire(m.ID) {
			continue
		}
		e.deliver(ctx, session, m)
		e.release(m.ID)
	}
}

// deliver ships one message and records the outcome. Results are discarded
// when the session changed underneath the send.
func (e *Engine) deliver(ctx context.Context, session int64, m *cache.CachedMessage) {
	res, err := e.send.SendCreate(ctx, m.ConversationID, transport.CreateMessage{
		MessageID:   m.ID,
		Scope:       m.Scope,
		PeerID:      m.PeerID,
		Kind:        m.Kind,
		Body:        m.Body,
		ReplyToID:   m.ReplyToID,
		Mentions:    m.Mentions,
		Attachments: m.Attachments,
		ClientTime:  m.ClientTime,
	})

	if e.session.Load() != session {
		e.log.Warn().Str("message_id", m.ID).Msg("session changed mid-send, discarding result")
		return
	}

	if err == nil {
		// IsExisting replay and fresh insert are the same success path.
		if err := e.cache.MarkSynced(m.ID, &res.Message); err != nil {
			e.log.Error().Err(err).Str("message_id", m.ID).Msg("mark synced")
		}
		return
	}

	var f *transport.Failure
	if !errors.As(err, &f) {
		f = &transport.Failure{Class: transport.ClassTransient, Message: err.Error()}
	}

	if f.Terminal() {
		e.park(m, f)
		return
	}

	attempt := m.RetryCount + 1
	if attempt >= maxRetries {
		e.park(m, f)
		return
	}
	delay := Backoff(attempt)
	if f.Class == transport.ClassRateLimited && f.RetryAfter > delay {
		delay = f.RetryAfter
	}
	next := e.clock.Now().Add(delay)
	if err := e.cache.UpdateStatus(m.ID, cache.StatusPending, attempt, f.Error(), next); err != nil {
		e.log.Error().Err(err).Str("message_id", m.ID).Msg("record retry")
		return
	}
	e.log.Debug().
		Str("message_id", m.ID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Str("class", f.Class.String()).
		Msg("send failed, will retry")
}

// park moves a message to failed. It stays in the conversation, marked,
// until Retry or deletion.
func (e *Engine) park(m *cache.CachedMessage, f *transport.Failure) {
	if err := e.cache.UpdateStatus(m.ID, cache.StatusFailed, m.RetryCount, f.Error(), e.clock.Now()); err != nil {
		e.log.Error().Err(err).Str("message_id", m.ID).Msg("park failed message")
		return
	}
	e.log.Warn().Str("message_id", m.ID).Str("class", f.Class.String()).Msg("message parked as failed")
}

// Retry requeues a failed message with a reset retry budget and kicks a
// flush. The id is unchanged, so a send that actually landed before the
// failure replays idempotently.
func (e *Engine) Retry(id string) error {
	m, err := e.cache.Get(id)
	if err != nil {
		return err
	}
	if m.SyncStatus != cache.StatusFailed {
		return nil
	}
	if err := e.cache.UpdateStatus(id, cache.StatusPending, 0, "", e.clock.Now()); err != nil {
		return err
	}
	e.Kick()
	return nil
}

// Counts reports outbox depth as (pending, failed).
func (e *Engine) Counts() (int64, int64, error) {
	return e.cache.Counts()
}

// ResetSession invalidates results of sends already in flight. Call on
// sign-out or account switch before pointing the engine at a new cache.
func (e *Engine) ResetSession() {
	e.session.Add(1)
}

func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[id]; ok {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

// Backoff returns the delay before the given 1-based attempt is retried.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempt-1)))
	if d > backoffMax || d <= 0 {
		return backoffMax
	}
	return d
}

// Package dispatch runs bulk campaigns: it prepares one message per contact, paces sends
// across the campaign's chips and commits each successful send against the owner's
// credit balance.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/events"
	"github.com/dante-gpu/dante-messaging/internal/jobs"
	"github.com/dante-gpu/dante-messaging/internal/logging"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/session"
	"github.com/dante-gpu/dante-messaging/internal/store"
)

// JobKindDispatch is the job that runs a dispatch pass for the campaign in Job.Key.
const JobKindDispatch = "campaign.dispatch"

const (
	jitterLow   = 0.8
	jitterHigh  = 1.2
	jitterFloor = 500 * time.Millisecond

	commitAttempts = 3
	commitBackoff  = time.Second
)

// Store is the persistence the engine needs.
type Store interface {
	store.TenantStore
	store.CampaignStore
	store.CreditStore
}

// Chips resolves a chip and the session client of its runtime.
type Chips interface {
	Resolve(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, session.Client, error)
}

// Progress is the payload broadcast on a campaign's topic after every status change.
type Progress struct {
	CampaignID      uuid.UUID             `json:"campaign_id"`
	Status          models.CampaignStatus `json:"status"`
	PauseReason     string                `json:"pause_reason,omitempty"`
	Total           int                   `json:"total"`
	Sent            int                   `json:"sent"`
	Failed          int                   `json:"failed"`
	CreditsConsumed int                   `json:"credits_consumed"`
	MessageID       *uuid.UUID            `json:"message_id,omitempty"`
	MessageStatus   models.MessageStatus  `json:"message_status,omitempty"`
	At              time.Time             `json:"at"`
}

// uncommittedError reports a message the upstream accepted but the store did not commit.
// Such a message must never be sent again; only its commit may be retried.
type uncommittedError struct {
	upstreamID string
	err        error
}

func (e *uncommittedError) Error() string {
	return fmt.Sprintf("message %s sent upstream but not committed: %v", e.upstreamID, e.err)
}

func (e *uncommittedError) Unwrap() error { return e.err }

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeInsufficient
)

// Engine is the campaign dispatch engine.
type Engine struct {
	store       Store
	chips       Chips
	queue       jobs.Queue
	events      events.Dispatcher
	broadcaster events.Broadcaster
	logger      *zap.Logger

	// costPerMessage is debited for every successful send.
	costPerMessage decimal.Decimal

	rngMu sync.Mutex
	rng   *rand.Rand

	activeMu sync.Mutex
	active   map[uuid.UUID]struct{}

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewEngine creates a dispatch engine.
func NewEngine(st Store, chips Chips, queue jobs.Queue, dispatcher events.Dispatcher, broadcaster events.Broadcaster, logger *zap.Logger) *Engine {
	return &Engine{
		store:          st,
		chips:          chips,
		queue:          queue,
		events:         dispatcher,
		broadcaster:    broadcaster,
		logger:         logger,
		costPerMessage: decimal.NewFromInt(1),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		active:         make(map[uuid.UUID]struct{}),
		sleep:          sleepCtx,
		now:            time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) campaignLogger(ctx context.Context, c *models.Campaign) *zap.Logger {
	return logging.FromContext(ctx, e.logger).With(
		zap.String("tenant_id", c.TenantID),
		zap.String("campaign_id", c.ID.String()))
}

func statusIn(s models.CampaignStatus, set []models.CampaignStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func isInvalidTransition(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidTransition)
}

// Start prepares the campaign, moves it to running and enqueues a dispatch job.
// Campaigns without contacts never start.
func (e *Engine) Start(ctx context.Context, campaignID uuid.UUID) (*models.Campaign, error) {
	return e.start(ctx, campaignID,
		[]models.CampaignStatus{models.CampaignDraft, models.CampaignScheduled, models.CampaignPaused},
		events.CampaignStarted)
}

// Resume restarts a paused campaign. Messages that failed for lack of credits are retried.
func (e *Engine) Resume(ctx context.Context, campaignID uuid.UUID) (*models.Campaign, error) {
	return e.start(ctx, campaignID, []models.CampaignStatus{models.CampaignPaused}, events.CampaignResumed)
}

func (e *Engine) start(ctx context.Context, campaignID uuid.UUID, from []models.CampaignStatus, event string) (*models.Campaign, error) {
	const op = "dispatch.Start"
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(c.ContactIDs) == 0 {
		return nil, apperrors.Invalid(op, campaignID.String(), "campaign has no contacts")
	}
	if !statusIn(c.Status, from) {
		return nil, apperrors.New(op, campaignID.String(), apperrors.ErrInvalidTransition,
			fmt.Errorf("cannot start a %s campaign", c.Status))
	}

	ids, err := e.Prepare(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	updated, err := e.store.TransitionCampaign(ctx, campaignID, from, models.CampaignRunning, "")
	if err != nil {
		return nil, err
	}
	logger := e.campaignLogger(ctx, updated)
	logger.Info("Campaign running", zap.Int("messages", len(ids)), zap.String("event", event))

	e.emit(ctx, updated, event, map[string]interface{}{"message_count": len(ids)})
	e.publish(ctx, updated, nil)

	if err := e.queue.Enqueue(ctx, jobs.New(JobKindDispatch, campaignID.String())); err != nil {
		logger.Error("Failed to enqueue dispatch job", zap.Error(err))
		return updated, fmt.Errorf("campaign started but dispatch not enqueued: %w", err)
	}
	return updated, nil
}

// Prepare creates one message per contact and returns the message ids in send order.
// Calling it again returns the existing ids unchanged.
func (e *Engine) Prepare(ctx context.Context, campaignID uuid.UUID) ([]uuid.UUID, error) {
	const op = "dispatch.Prepare"
	existing, err := e.store.ListMessages(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return messageIDs(existing), nil
	}

	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	chipIDs := c.Settings.ChipIDs
	if len(chipIDs) == 0 {
		return nil, apperrors.Invalid(op, campaignID.String(), "campaign has no chips")
	}
	contactIDs := uniqueIDs(c.ContactIDs)
	contacts, err := e.store.GetContacts(ctx, c.TenantID, contactIDs)
	if err != nil {
		return nil, err
	}
	contacts = uniqueContacts(contacts)
	if len(contacts) == 0 {
		return nil, apperrors.Invalid(op, campaignID.String(), "none of the campaign's contacts exist")
	}

	e.rngMu.Lock()
	order := e.rng.Perm(len(chipIDs))
	e.rngMu.Unlock()

	now := e.now().UTC()
	msgs := make([]*models.CampaignMessage, 0, len(contacts))
	for i, contact := range contacts {
		variant, template := "A", c.TemplateA
		if c.Type == models.CampaignABTest && i%2 == 1 && c.TemplateB != "" {
			variant, template = "B", c.TemplateB
		}
		msgs = append(msgs, &models.CampaignMessage{
			ID:         uuid.New(),
			CampaignID: c.ID,
			ContactID:  contact.ID,
			Phone:      contact.Phone,
			ChipID:     chipIDs[order[i%len(order)]],
			Content:    e.render(template, contact, c.Variables),
			Variant:    variant,
			Status:     models.MessagePending,
			Seq:        i,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if err := e.store.CreateMessages(ctx, campaignID, msgs); err != nil {
		if apperrors.IsAlreadyExists(err) {
			// A concurrent prepare won, unless the conflict came from this batch itself.
			existing, listErr := e.store.ListMessages(ctx, campaignID)
			if listErr != nil {
				return nil, listErr
			}
			if len(existing) == 0 {
				return nil, fmt.Errorf("prepare campaign %s: %w", campaignID, err)
			}
			return messageIDs(existing), nil
		}
		return nil, err
	}

	if c.ContactCount != len(msgs) {
		c.ContactCount = len(msgs)
		c.UpdatedAt = now
		if err := e.store.SaveCampaign(ctx, c); err != nil {
			return nil, err
		}
	}
	e.campaignLogger(ctx, c).Info("Campaign prepared",
		zap.Int("messages", len(msgs)),
		zap.Int("skipped_contacts", len(contactIDs)-len(contacts)))
	return messageIDs(msgs), nil
}

// uniqueIDs drops repeated ids, keeping the first occurrence.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func uniqueContacts(contacts []*models.Contact) []*models.Contact {
	seen := make(map[string]struct{}, len(contacts))
	out := contacts[:0]
	for _, c := range contacts {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func messageIDs(msgs []*models.CampaignMessage) []uuid.UUID {
	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func (e *Engine) render(template string, contact *models.Contact, variables map[string]string) string {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return Render(template, contact, variables, e.rng)
}

// delay returns the pause before the next send.
func (e *Engine) delay(s models.DispatchSettings) time.Duration {
	interval := s.Interval()
	if !s.Jitter {
		return interval
	}
	e.rngMu.Lock()
	factor := jitterLow + (jitterHigh-jitterLow)*e.rng.Float64()
	e.rngMu.Unlock()
	d := time.Duration(float64(interval) * factor)
	if d < jitterFloor {
		d = jitterFloor
	}
	return d
}

// claim marks the campaign as being dispatched by this process.
func (e *Engine) claim(campaignID uuid.UUID) (func(), bool) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, busy := e.active[campaignID]; busy {
		return nil, false
	}
	e.active[campaignID] = struct{}{}
	return func() {
		e.activeMu.Lock()
		delete(e.active, campaignID)
		e.activeMu.Unlock()
	}, true
}

// Dispatch sends the campaign's outstanding messages in creation order. The campaign
// status is re-read before every send and the loop stops as soon as it is no longer
// running; an in-flight send is never interrupted.
func (e *Engine) Dispatch(ctx context.Context, campaignID uuid.UUID) error {
	release, ok := e.claim(campaignID)
	if !ok {
		e.logger.Info("Campaign already dispatching in this process", zap.String("campaign_id", campaignID.String()))
		return nil
	}
	defer release()

	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignRunning {
		return nil
	}
	logger := e.campaignLogger(ctx, c)

	msgs, err := e.store.ListMessages(ctx, campaignID)
	if err != nil {
		return err
	}
	maxAttempts := c.Settings.MaxAttempts()

	attempted := 0
	for _, m := range msgs {
		if !m.Outstanding(maxAttempts) {
			continue
		}
		if attempted > 0 {
			if err := e.sleep(ctx, e.delay(c.Settings)); err != nil {
				return err
			}
		}

		c, err = e.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if c.Status != models.CampaignRunning {
			logger.Info("Dispatch stopped", zap.String("status", string(c.Status)))
			return nil
		}
		attempted++

		result, err := e.deliver(ctx, c, m)
		if err != nil {
			return err
		}
		if result == outcomeInsufficient {
			if _, err := e.Pause(ctx, campaignID, models.PauseReasonInsufficientCredits); err != nil && !isInvalidTransition(err) {
				return err
			}
			return nil
		}
	}

	return e.complete(ctx, campaignID)
}

// deliver attempts one message until it is sent, its attempts are exhausted or the
// owner runs out of credits.
func (e *Engine) deliver(ctx context.Context, c *models.Campaign, m *models.CampaignMessage) (outcome, error) {
	logger := e.campaignLogger(ctx, c).With(zap.String("message_id", m.ID.String()), zap.String("chip_id", m.ChipID.String()))
	maxAttempts := c.Settings.MaxAttempts()

	if m.Status == models.MessageSending && m.UpstreamID != "" {
		// Accepted upstream by an earlier pass; only the charge is missing.
		err := e.commit(ctx, c, m, m.UpstreamID)
		if err == nil {
			e.publishMessage(ctx, c.ID, m.ID, models.MessageSent)
			return outcomeSent, nil
		}
		return e.uncommitted(ctx, logger, &uncommittedError{upstreamID: m.UpstreamID, err: err})
	}

	for {
		if m.Attempts >= maxAttempts {
			// Left in sending by an interrupted pass with no attempts to spare.
			return outcomeFailed, e.fail(ctx, c, m, "interrupted after final attempt")
		}
		m.Attempts++
		m.Status = models.MessageSending
		m.UpdatedAt = e.now().UTC()
		if err := e.store.UpdateMessage(ctx, m); err != nil {
			return outcomeFailed, err
		}

		sendErr := e.SendOne(ctx, c, m)
		if sendErr == nil {
			e.publishMessage(ctx, c.ID, m.ID, models.MessageSent)
			return outcomeSent, nil
		}
		var notCommitted *uncommittedError
		if errors.As(sendErr, &notCommitted) {
			return e.uncommitted(ctx, logger, notCommitted)
		}

		if apperrors.IsInsufficientCredits(sendErr) {
			logger.Warn("Insufficient credits, pausing campaign", zap.Error(sendErr))
			m.Attempts--
			m.Status = models.MessageFailed
			m.FailureReason = models.PauseReasonInsufficientCredits
			m.UpdatedAt = e.now().UTC()
			if err := e.store.UpdateMessage(ctx, m); err != nil {
				return outcomeFailed, err
			}
			e.publishMessage(ctx, c.ID, m.ID, models.MessageFailed)
			return outcomeInsufficient, nil
		}

		logger.Warn("Send attempt failed",
			zap.Int("attempt", m.Attempts),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(sendErr))
		if m.Attempts >= maxAttempts {
			return outcomeFailed, e.fail(ctx, c, m, sendErr.Error())
		}
		if err := e.sleep(ctx, c.Settings.RetryBackoff()); err != nil {
			return outcomeFailed, err
		}
	}
}

// uncommitted handles a message that left upstream without being charged. It stays in
// sending with its upstream id, so the next pass commits it without sending again.
func (e *Engine) uncommitted(ctx context.Context, logger *zap.Logger, nc *uncommittedError) (outcome, error) {
	if apperrors.IsInsufficientCredits(nc.err) {
		logger.Warn("Sent message awaits credits, pausing campaign",
			zap.String("upstream_id", nc.upstreamID), zap.Error(nc.err))
		return outcomeInsufficient, nil
	}
	return outcomeFailed, nc
}

func (e *Engine) fail(ctx context.Context, c *models.Campaign, m *models.CampaignMessage, reason string) error {
	m.Status = models.MessageFailed
	m.FailureReason = reason
	m.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateMessage(ctx, m); err != nil {
		return err
	}
	if err := e.store.IncrementFailed(ctx, c.ID); err != nil {
		return err
	}
	e.publishMessage(ctx, c.ID, m.ID, models.MessageFailed)
	return nil
}

// SendOne sends a message through its chip and commits the debit, the ledger entry, the
// message status and the campaign counters as one unit. A balance that cannot cover the
// send fails with InsufficientCredits before anything goes upstream. Once the upstream
// accepts the message its id is stored and a failed commit returns *uncommittedError.
func (e *Engine) SendOne(ctx context.Context, c *models.Campaign, m *models.CampaignMessage) error {
	const op = "dispatch.SendOne"

	balance, err := e.store.Balance(ctx, c.UserID)
	if err != nil {
		return err
	}
	if balance.LessThan(e.costPerMessage) {
		return apperrors.New(op, c.UserID, apperrors.ErrInsufficientCredits,
			fmt.Errorf("balance %s, required %s", balance, e.costPerMessage))
	}

	chip, client, err := e.chips.Resolve(ctx, m.ChipID)
	if err != nil {
		return err
	}
	if chip.Status != models.ChipConnected {
		return apperrors.Transient(op, chip.ID.String(), fmt.Errorf("chip is %s", chip.Status))
	}

	upstreamID, err := client.SendText(ctx, chip.SessionName, m.Phone, m.Content)
	if err != nil {
		return err
	}

	m.UpstreamID = upstreamID
	m.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateMessage(ctx, m); err != nil {
		e.campaignLogger(ctx, c).Warn("Failed to record upstream id before commit",
			zap.String("message_id", m.ID.String()),
			zap.String("upstream_id", upstreamID),
			zap.Error(err))
	}
	if err := e.commit(ctx, c, m, upstreamID); err != nil {
		return &uncommittedError{upstreamID: upstreamID, err: err}
	}
	return nil
}

// commit charges a message the upstream already accepted. Store failures are retried a
// few times; insufficient credits are returned at once.
func (e *Engine) commit(ctx context.Context, c *models.Campaign, m *models.CampaignMessage, upstreamID string) error {
	logger := e.campaignLogger(ctx, c).With(zap.String("message_id", m.ID.String()), zap.String("upstream_id", upstreamID))
	var lastErr error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		entry, err := e.store.CommitSend(ctx, models.SendCommit{
			CampaignID: c.ID,
			MessageID:  m.ID,
			UserID:     c.UserID,
			Amount:     e.costPerMessage,
			UpstreamID: upstreamID,
			SentAt:     e.now().UTC(),
		})
		switch {
		case err == nil:
			m.Status = models.MessageSent
			logger.Debug("Message sent", zap.String("balance_after", entry.BalanceAfter.String()))
			return nil
		case isInvalidTransition(err):
			// An earlier commit went through even though it reported an error.
			logger.Warn("Message already committed", zap.Error(err))
			m.Status = models.MessageSent
			return nil
		case apperrors.IsInsufficientCredits(err):
			return err
		}
		lastErr = err
		logger.Warn("Commit failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < commitAttempts {
			if err := e.sleep(ctx, commitBackoff); err != nil {
				return err
			}
		}
	}
	logger.Error("Send not committed", zap.Error(lastErr))
	return lastErr
}

// complete moves a running campaign without outstanding messages to completed.
func (e *Engine) complete(ctx context.Context, campaignID uuid.UUID) error {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignRunning {
		return nil
	}
	msgs, err := e.store.ListMessages(ctx, campaignID)
	if err != nil {
		return err
	}
	maxAttempts := c.Settings.MaxAttempts()
	for _, m := range msgs {
		if m.Outstanding(maxAttempts) {
			return nil
		}
	}

	updated, err := e.store.TransitionCampaign(ctx, campaignID,
		[]models.CampaignStatus{models.CampaignRunning}, models.CampaignCompleted, "")
	if isInvalidTransition(err) {
		return nil
	}
	if err != nil {
		return err
	}
	e.campaignLogger(ctx, updated).Info("Campaign completed",
		zap.Int("sent", updated.SentCount),
		zap.Int("failed", updated.FailedCount),
		zap.Int("credits_consumed", updated.CreditsConsumed))
	e.emit(ctx, updated, events.CampaignCompleted, nil)
	e.publish(ctx, updated, nil)
	return nil
}

// Pause stops a running or scheduled campaign after the current send.
func (e *Engine) Pause(ctx context.Context, campaignID uuid.UUID, reason string) (*models.Campaign, error) {
	if reason == "" {
		reason = models.PauseReasonUser
	}
	updated, err := e.store.TransitionCampaign(ctx, campaignID,
		[]models.CampaignStatus{models.CampaignRunning, models.CampaignScheduled}, models.CampaignPaused, reason)
	if err != nil {
		return nil, err
	}
	e.campaignLogger(ctx, updated).Info("Campaign paused", zap.String("reason", reason))
	e.emit(ctx, updated, events.CampaignPaused, map[string]interface{}{"reason": reason})
	e.publish(ctx, updated, nil)
	return updated, nil
}

// Cancel ends the campaign for good. Messages not yet sent stay unsent.
func (e *Engine) Cancel(ctx context.Context, campaignID uuid.UUID) (*models.Campaign, error) {
	updated, err := e.store.TransitionCampaign(ctx, campaignID,
		[]models.CampaignStatus{models.CampaignDraft, models.CampaignScheduled, models.CampaignRunning, models.CampaignPaused},
		models.CampaignCancelled, "")
	if err != nil {
		return nil, err
	}
	e.campaignLogger(ctx, updated).Info("Campaign cancelled")
	e.emit(ctx, updated, events.CampaignCancelled, nil)
	e.publish(ctx, updated, nil)
	return updated, nil
}

// HandleJob runs a dispatch pass for the campaign named by the job. Jobs for campaigns
// that are gone or not running are acknowledged without work.
func (e *Engine) HandleJob(ctx context.Context, job jobs.Job) error {
	campaignID, err := uuid.Parse(job.Key)
	if err != nil {
		e.logger.Error("Dropping dispatch job with invalid campaign id", zap.String("key", job.Key), zap.Error(err))
		return nil
	}
	c, err := e.store.GetCampaign(ctx, campaignID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status != models.CampaignRunning {
		return nil
	}
	return e.Dispatch(ctx, campaignID)
}

// RecoverRunning enqueues a dispatch job for every running campaign, e.g. after a restart.
func (e *Engine) RecoverRunning(ctx context.Context) (int, error) {
	running, err := e.store.ListCampaignsByStatus(ctx, models.CampaignRunning)
	if err != nil {
		return 0, err
	}
	for _, c := range running {
		if err := e.queue.Enqueue(ctx, jobs.New(JobKindDispatch, c.ID.String())); err != nil {
			return 0, err
		}
	}
	if len(running) > 0 {
		e.logger.Info("Re-enqueued running campaigns", zap.Int("count", len(running)))
	}
	return len(running), nil
}

func (e *Engine) emit(ctx context.Context, c *models.Campaign, event string, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"campaign_id":      c.ID,
		"name":             c.Name,
		"status":           c.Status,
		"sent_count":       c.SentCount,
		"failed_count":     c.FailedCount,
		"credits_consumed": c.CreditsConsumed,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := e.events.Dispatch(ctx, c.TenantID, event, payload); err != nil {
		e.campaignLogger(ctx, c).Warn("Failed to dispatch campaign event", zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, c *models.Campaign, m *models.CampaignMessage) {
	p := Progress{
		CampaignID:      c.ID,
		Status:          c.Status,
		PauseReason:     c.PauseReason,
		Total:           c.ContactCount,
		Sent:            c.SentCount,
		Failed:          c.FailedCount,
		CreditsConsumed: c.CreditsConsumed,
		At:              e.now().UTC(),
	}
	if m != nil {
		p.MessageID = &m.ID
		p.MessageStatus = m.Status
	}
	if err := e.broadcaster.Broadcast(ctx, events.CampaignTopic(c.ID), p); err != nil {
		e.campaignLogger(ctx, c).Debug("Failed to broadcast progress", zap.Error(err))
	}
}

// publishMessage broadcasts progress after a message status change, with fresh counters.
func (e *Engine) publishMessage(ctx context.Context, campaignID, messageID uuid.UUID, status models.MessageStatus) {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return
	}
	e.publish(ctx, c, &models.CampaignMessage{ID: messageID, Status: status})
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"lipa_engine/internal/models"
	"lipa_engine/internal/providers"
)

// graceDays is the dunning deadline: a subscription that entered past_due
// and has not recovered within this window is finalized
const graceDays = 7

// dunningOffsets are the retry days, relative to the start of the dunning
// episode. Attempts execute strictly in this order.
var dunningOffsets = []int{0, 1, 3}

// ErrSubscriptionNotCancellable guards user-initiated cancellation
var ErrSubscriptionNotCancellable = errors.New("subscription cannot be cancelled in its current state")

// CreateSubscriptionInput is the request shape for a new subscription
type CreateSubscriptionInput struct {
	TenantID          string                 `json:"tenant_id"`
	SubjectID         string                 `json:"subject_id"`
	PlanCode          string                 `json:"plan_code"`
	Interval          models.BillingInterval `json:"interval"`
	Amount            int64                  `json:"amount"`
	Currency          string                 `json:"currency"`
	Provider          string                 `json:"provider"`
	DowngradePlanCode string                 `json:"downgrade_plan_code"`
}

// SubscriptionService drives the renewal and dunning state machine. It is
// wired into the payment service as the outcome observer: every terminal
// intent transition for a renewal intent lands in PaymentOutcome, which
// advances or escalates the owning subscription.
type SubscriptionService struct {
	store    SubscriptionStore
	payments *PaymentService
	notifier Notifier
	now      func() time.Time
}

func NewSubscriptionService(store SubscriptionStore, payments *PaymentService, notifier Notifier) *SubscriptionService {
	s := &SubscriptionService{
		store:    store,
		payments: payments,
		notifier: notifier,
		now:      time.Now,
	}
	payments.SetObserver(s)
	return s
}

// CreateSubscription starts an active subscription with the first period
// anchored at now
func (s *SubscriptionService) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*models.Subscription, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("subscription amount must be positive, got %d", in.Amount)
	}
	if in.Interval != models.BillingIntervalMonthly && in.Interval != models.BillingIntervalYearly {
		return nil, fmt.Errorf("unknown billing interval %q", in.Interval)
	}
	if in.Currency == "" {
		in.Currency = "KES"
	}

	start := s.now()
	end := in.Interval.Advance(start)
	sub := &models.Subscription{
		UUID:               uuid.NewString(),
		TenantID:           in.TenantID,
		SubjectID:          in.SubjectID,
		PlanCode:           in.PlanCode,
		Interval:           in.Interval,
		Amount:             in.Amount,
		Currency:           in.Currency,
		Provider:           in.Provider,
		Status:             models.SubscriptionStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		NextRenewalAt:      end,
		DowngradePlanCode:  in.DowngradePlanCode,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubscription resolves a subscription by its public UUID
func (s *SubscriptionService) GetSubscription(ctx context.Context, subUUID string) (*models.Subscription, error) {
	return s.store.GetSubscriptionByUUID(ctx, subUUID)
}

// CancelSubscription ends a subscription at the subject's request. Open
// renewal attempts are cancelled; no further charges happen.
func (s *SubscriptionService) CancelSubscription(ctx context.Context, subUUID string) (*models.Subscription, error) {
	sub, err := s.store.GetSubscriptionByUUID(ctx, subUUID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	fields := map[string]interface{}{
		"cancelled_at":    now,
		"ended_at":        now,
		"next_renewal_at": time.Time{},
		"grace_until":     nil,
	}
	for _, from := range []models.SubscriptionStatus{
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusUnpaid,
	} {
		ok, err := s.store.TransitionSubscription(ctx, sub.ID, from, models.SubscriptionStatusCancelled, fields)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := s.store.CancelPendingAttempts(ctx, sub.ID); err != nil {
				return nil, err
			}
			return s.store.GetSubscription(ctx, sub.ID)
		}
	}
	return nil, fmt.Errorf("%w: status %s", ErrSubscriptionNotCancellable, sub.Status)
}

// ProcessDueRenewals is the hourly sweep: every active subscription past its
// renewal boundary gets one scheduled attempt with a fresh payment intent.
// Subscriptions with an attempt still open are skipped, so repeated sweeps
// never double-charge.
func (s *SubscriptionService) ProcessDueRenewals(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListDueForRenewal(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	started := 0
	for i := range due {
		sub := &due[i]
		open, err := s.store.ListOpenAttempts(ctx, sub.ID)
		if err != nil {
			return started, err
		}
		if len(open) > 0 {
			continue
		}

		n, err := s.store.CountAttempts(ctx, sub.ID)
		if err != nil {
			return started, err
		}
		attempt := &models.RenewalAttempt{
			SubscriptionID: sub.ID,
			AttemptNumber:  n + 1,
			Dunning:        false,
			OffsetDays:     0,
			Status:         models.AttemptStatusPending,
			ScheduledAt:    sub.NextRenewalAt,
		}
		if err := s.store.CreateAttempt(ctx, attempt); err != nil {
			return started, err
		}
		if err := s.executeAttempt(ctx, sub, attempt); err != nil {
			log.Printf("subscription %s: renewal attempt %d failed to start: %v", sub.UUID, attempt.AttemptNumber, err)
			continue
		}
		started++
	}
	return started, nil
}

// ProcessDunning is the retry sweep: it executes due dunning attempts in
// strict offset order and finalizes subscriptions whose grace window has
// expired. Running it twice in a row is a no-op.
func (s *SubscriptionService) ProcessDunning(ctx context.Context, limit int) (int, error) {
	pastDue, err := s.store.ListPastDue(ctx, limit)
	if err != nil {
		return 0, err
	}

	acted := 0
	now := s.now()
	for i := range pastDue {
		sub := &pastDue[i]

		if sub.GraceUntil != nil && now.After(*sub.GraceUntil) {
			if err := s.finalizeGraceExpiry(ctx, sub); err != nil {
				log.Printf("subscription %s: grace finalize failed: %v", sub.UUID, err)
				continue
			}
			acted++
			continue
		}

		open, err := s.store.ListOpenAttempts(ctx, sub.ID)
		if err != nil {
			return acted, err
		}
		if len(open) == 0 {
			continue
		}
		// Strict order: only the earliest open attempt may run, and only
		// once its scheduled time has arrived. A sent attempt still waiting
		// for its outcome blocks the rest of the episode.
		next := &open[0]
		if next.Status != models.AttemptStatusPending || next.ScheduledAt.After(now) {
			continue
		}
		if err := s.executeAttempt(ctx, sub, next); err != nil {
			log.Printf("subscription %s: dunning attempt %d failed to start: %v", sub.UUID, next.AttemptNumber, err)
			continue
		}
		s.notifier.Notify(ctx, NotificationEvent{
			Type:          NotifyDunningAttempt,
			TenantID:      sub.TenantID,
			SubjectID:     sub.SubjectID,
			Amount:        sub.Amount,
			Currency:      sub.Currency,
			PlanCode:      sub.PlanCode,
			AttemptNumber: next.AttemptNumber,
			OccurredAt:    now,
		})
		acted++
	}
	return acted, nil
}

// executeAttempt creates a fresh intent for the attempt and hands it to the
// provider. The attempt is linked to the intent before initiation so the
// outcome observer can always find its way back.
func (s *SubscriptionService) executeAttempt(ctx context.Context, sub *models.Subscription, attempt *models.RenewalAttempt) error {
	method, err := s.store.GetDefaultPaymentMethod(ctx, sub.TenantID, sub.SubjectID)
	if errors.Is(err, ErrNotFound) {
		s.store.UpdateAttempt(ctx, attempt.ID, map[string]interface{}{
			"status":        models.AttemptStatusFailed,
			"error_message": "no active payment method",
		})
		return s.escalateFailure(ctx, sub.ID, "no active payment method")
	}
	if err != nil {
		return err
	}

	key := fmt.Sprintf("sub_%d_att%d_%s", sub.ID, attempt.AttemptNumber, uuid.NewString()[:8])
	intent, err := s.payments.CreateIntent(ctx, CreateIntentInput{
		TenantID:       sub.TenantID,
		SubjectID:      sub.SubjectID,
		Amount:         sub.Amount,
		Currency:       sub.Currency,
		Provider:       sub.Provider,
		IdempotencyKey: key,
	})
	if err != nil {
		// The attempt must not stay pending with no intent: an open attempt
		// blocks the renewal sweep, so an orphan would silently stop all
		// future billing for the subscription
		s.store.UpdateAttempt(ctx, attempt.ID, map[string]interface{}{
			"status":        models.AttemptStatusFailed,
			"error_message": err.Error(),
		})
		return s.escalateFailure(ctx, sub.ID, err.Error())
	}

	now := s.now()
	if err := s.store.UpdateAttempt(ctx, attempt.ID, map[string]interface{}{
		"status":       models.AttemptStatusSent,
		"intent_uuid":  intent.UUID,
		"attempted_at": now,
	}); err != nil {
		return err
	}

	_, err = s.payments.InitiateIntent(ctx, intent.UUID, method.Msisdn, "Renewal "+sub.PlanCode)
	if err != nil {
		if errors.Is(err, providers.ErrProviderRejected) {
			// The payment service already failed the intent and routed the
			// outcome through the observer
			return nil
		}
		s.store.UpdateAttempt(ctx, attempt.ID, map[string]interface{}{
			"status":        models.AttemptStatusFailed,
			"error_message": err.Error(),
		})
		return s.escalateFailure(ctx, sub.ID, err.Error())
	}
	return nil
}

// PaymentOutcome implements OutcomeObserver. Intents that do not belong to a
// renewal attempt are ignored.
func (s *SubscriptionService) PaymentOutcome(ctx context.Context, intent *models.PaymentIntent, outcome providers.Outcome, reason string) {
	attempt, err := s.store.GetAttemptByIntentUUID(ctx, intent.UUID)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("intent %s: attempt lookup failed: %v", intent.UUID, err)
		return
	}
	if attempt.Status.IsTerminal() {
		return
	}

	switch outcome {
	case providers.OutcomeSuccess:
		if err := s.applyAttemptSuccess(ctx, attempt); err != nil {
			log.Printf("subscription attempt %d: success apply failed: %v", attempt.ID, err)
		}
	case providers.OutcomeFailure:
		if err := s.applyAttemptFailure(ctx, attempt, reason); err != nil {
			log.Printf("subscription attempt %d: failure apply failed: %v", attempt.ID, err)
		}
	}
}

func (s *SubscriptionService) applyAttemptSuccess(ctx context.Context, attempt *models.RenewalAttempt) error {
	if err := s.store.UpdateAttempt(ctx, attempt.ID, map[string]interface{}{
		"status": models.AttemptStatusSucceeded,
	}); err != nil {
		return err
	}

	sub, err := s.store.GetSubscription(ctx, attempt.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == models.SubscriptionStatusCancelled {
		// Payment landed after cancellation; the money is in the ledger,
		// the subscription stays ended
		return nil
	}

	// The period rolls from the old boundary, not from the payment time, so
	// a late dunning recovery never shifts the billing anchor
	newStart := sub.CurrentPeriodEnd
	newEnd := sub.Interval.Advance(newStart)
	if err := s.store.UpdateSubscription(ctx, sub.ID, map[string]interface{}{
		"status":               models.SubscriptionStatusActive,
		"current_period_start": newStart,
		"current_period_end":   newEnd,
		"next_renewal_at":      newEnd,
		"grace_until":          nil,
	}); err != nil {
		return err
	}
	return s.store.CancelPendingAttempts(ctx, sub.ID)
}

func (s *SubscriptionService) applyAttemptFailure(ctx context.Context, attempt *models.RenewalAttempt, reason string) error {
	if err := s.store.UpdateAttempt(ctx, attempt.ID, map[string]interface{}{
		"status":        models.AttemptStatusFailed,
		"error_message": reason,
	}); err != nil {
		return err
	}
	return s.escalateFailure(ctx, attempt.SubscriptionID, reason)
}

// escalateFailure moves a subscription into dunning on its first failed
// renewal: past_due status, a grace deadline, and the retry schedule. On a
// subscription already past_due it does nothing; the remaining attempts and
// the grace deadline carry the episode.
func (s *SubscriptionService) escalateFailure(ctx context.Context, subscriptionID uint, reason string) error {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != models.SubscriptionStatusActive {
		return nil
	}

	episodeStart := s.now()
	grace := episodeStart.AddDate(0, 0, graceDays)
	ok, err := s.store.TransitionSubscription(ctx, sub.ID,
		models.SubscriptionStatusActive, models.SubscriptionStatusPastDue,
		map[string]interface{}{"grace_until": grace})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	n, err := s.store.CountAttempts(ctx, sub.ID)
	if err != nil {
		return err
	}
	for i, offset := range dunningOffsets {
		attempt := &models.RenewalAttempt{
			SubscriptionID: sub.ID,
			AttemptNumber:  n + 1 + i,
			Dunning:        true,
			OffsetDays:     offset,
			Status:         models.AttemptStatusPending,
			ScheduledAt:    episodeStart.AddDate(0, 0, offset),
		}
		if err := s.store.CreateAttempt(ctx, attempt); err != nil {
			return err
		}
	}

	s.notifier.Notify(ctx, NotificationEvent{
		Type:       NotifySubscriptionPastDue,
		TenantID:   sub.TenantID,
		SubjectID:  sub.SubjectID,
		Amount:     sub.Amount,
		Currency:   sub.Currency,
		PlanCode:   sub.PlanCode,
		Reason:     reason,
		GraceUntil: grace.Format(time.RFC3339),
		OccurredAt: episodeStart,
	})
	return nil
}

// finalizeGraceExpiry ends a dunning episode that ran out of time. The
// subscription passes through unpaid either way: with a downgrade plan
// configured it lands active on that plan with billing finished, otherwise
// it lands cancelled.
func (s *SubscriptionService) finalizeGraceExpiry(ctx context.Context, sub *models.Subscription) error {
	now := s.now()

	if sub.DowngradePlanCode != "" {
		ok, err := s.store.TransitionSubscription(ctx, sub.ID,
			models.SubscriptionStatusPastDue, models.SubscriptionStatusUnpaid,
			map[string]interface{}{
				"next_renewal_at": time.Time{},
				"grace_until":     nil,
			})
		if err != nil || !ok {
			return err
		}
		if _, err := s.store.TransitionSubscription(ctx, sub.ID,
			models.SubscriptionStatusUnpaid, models.SubscriptionStatusActive,
			map[string]interface{}{"plan_code": sub.DowngradePlanCode}); err != nil {
			return err
		}
	} else {
		ok, err := s.store.TransitionSubscription(ctx, sub.ID,
			models.SubscriptionStatusPastDue, models.SubscriptionStatusUnpaid,
			map[string]interface{}{
				"ended_at":        now,
				"next_renewal_at": time.Time{},
				"grace_until":     nil,
			})
		if err != nil || !ok {
			return err
		}
		// Unpaid is transitory: with nothing to downgrade to, the
		// subscription ends cancelled
		if _, err := s.store.TransitionSubscription(ctx, sub.ID,
			models.SubscriptionStatusUnpaid, models.SubscriptionStatusCancelled,
			map[string]interface{}{"cancelled_at": now}); err != nil {
			return err
		}
	}

	if err := s.store.CancelPendingAttempts(ctx, sub.ID); err != nil {
		return err
	}
	s.notifier.Notify(ctx, NotificationEvent{
		Type:       NotifySubscriptionEnded,
		TenantID:   sub.TenantID,
		SubjectID:  sub.SubjectID,
		Amount:     sub.Amount,
		Currency:   sub.Currency,
		PlanCode:   sub.PlanCode,
		Reason:     "grace window expired",
		OccurredAt: now,
	})
	return nil
}

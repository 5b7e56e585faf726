package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"lipa_engine/internal/models"
	"lipa_engine/internal/providers"
)

var (
	// ErrIdempotencyConflict means the key was already used with different
	// request parameters
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
	// ErrRequestInFlight means another writer holds the key right now
	ErrRequestInFlight = errors.New("request with this idempotency key is in flight")
	// ErrInvalidTransition guards the intent state machine
	ErrInvalidTransition = errors.New("invalid intent state transition")
	// ErrIntentNotReversible means the intent is not in a state that allows
	// a reversal
	ErrIntentNotReversible = errors.New("intent is not reversible")
)

// intentTransitions is the full set of legal state moves. Anything not
// listed is a conflict and gets logged, audited and discarded.
var intentTransitions = map[models.IntentStatus][]models.IntentStatus{
	models.IntentStatusCreated: {
		models.IntentStatusProviderInitiated,
		models.IntentStatusFailed,
		models.IntentStatusCancelled,
	},
	models.IntentStatusProviderInitiated: {
		models.IntentStatusSucceeded,
		models.IntentStatusFailed,
		models.IntentStatusExpired,
	},
	models.IntentStatusSucceeded: {
		models.IntentStatusReversed,
	},
}

// CanTransition reports whether from -> to is a legal intent move
func CanTransition(from, to models.IntentStatus) bool {
	for _, next := range intentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OutcomeObserver is notified after every terminal intent transition.
// The subscription service hooks in here to advance renewals and dunning.
type OutcomeObserver interface {
	PaymentOutcome(ctx context.Context, intent *models.PaymentIntent, outcome providers.Outcome, reason string)
}

// CreateIntentInput is the request shape for a new payment intent
type CreateIntentInput struct {
	TenantID       string `json:"tenant_id"`
	SubjectID      string `json:"subject_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Provider       string `json:"provider"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
}

// defaultIntentTTL bounds how long an initiated collection may stay open
// before the expiry sweep reaps it
const defaultIntentTTL = 30 * time.Minute

// PaymentService owns the payment intent lifecycle: creation under an
// idempotency key, provider initiation, webhook settlement, expiry and
// reversal. Every state move goes through the compare-and-swap store so
// concurrent webhooks, sweeps and operators cannot double-apply an outcome.
type PaymentService struct {
	store     IntentStore
	ledger    LedgerStore
	idem      IdempotencyStore
	registry  *providers.Registry
	notifier  Notifier
	observer  OutcomeObserver
	publicURL string
	intentTTL time.Duration

	// retryBackoff is the wait schedule for transient initiate failures
	retryBackoff []time.Duration
	now          func() time.Time
}

func NewPaymentService(store IntentStore, ledger LedgerStore, idem IdempotencyStore, registry *providers.Registry, notifier Notifier) *PaymentService {
	return &PaymentService{
		store:        store,
		ledger:       ledger,
		idem:         idem,
		registry:     registry,
		notifier:     notifier,
		publicURL:    os.Getenv("PUBLIC_BASE_URL"),
		intentTTL:    defaultIntentTTL,
		retryBackoff: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		now:          time.Now,
	}
}

// SetObserver wires the subscription layer in after construction; the two
// services reference each other
func (s *PaymentService) SetObserver(o OutcomeObserver) {
	s.observer = o
}

// CreateIntent creates a payment intent or returns the one already created
// under the same idempotency key. A key replay with different parameters is
// rejected, never silently honoured.
func (s *PaymentService) CreateIntent(ctx context.Context, in CreateIntentInput) (*models.PaymentIntent, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("intent amount must be positive, got %d", in.Amount)
	}
	if in.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}
	if _, err := s.registry.Get(in.Provider); err != nil {
		return nil, err
	}
	if in.Currency == "" {
		in.Currency = "KES"
	}

	res, err := s.idem.Reserve(ctx, "intent:"+in.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	switch res.State {
	case ReservationCompleted:
		existing, err := s.store.GetIntentByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing.Amount != in.Amount || existing.TenantID != in.TenantID ||
			existing.SubjectID != in.SubjectID || existing.Provider != in.Provider {
			return nil, ErrIdempotencyConflict
		}
		return existing, nil
	case ReservationInFlight:
		return nil, ErrRequestInFlight
	}

	intent := &models.PaymentIntent{
		UUID:           uuid.NewString(),
		TenantID:       in.TenantID,
		SubjectID:      in.SubjectID,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Provider:       in.Provider,
		IdempotencyKey: in.IdempotencyKey,
		Status:         models.IntentStatusCreated,
		ExpiresAt:      s.now().Add(s.intentTTL),
	}
	if err := s.store.CreateIntent(ctx, intent); err != nil {
		s.idem.Release(ctx, "intent:"+in.IdempotencyKey)
		return nil, err
	}
	if err := s.idem.Complete(ctx, "intent:"+in.IdempotencyKey, map[string]string{"intent_uuid": intent.UUID}); err != nil {
		return nil, err
	}
	return intent, nil
}

// InitiateIntent asks the provider to start collecting. Transient provider
// errors are retried on the backoff schedule; a rejection fails the intent.
// Calling it again on an already-initiated intent is a no-op.
func (s *PaymentService) InitiateIntent(ctx context.Context, intentUUID, msisdn, description string) (*models.PaymentIntent, error) {
	intent, err := s.store.GetIntentByUUID(ctx, intentUUID)
	if err != nil {
		return nil, err
	}
	if intent.Status == models.IntentStatusProviderInitiated {
		return intent, nil
	}
	if intent.Status != models.IntentStatusCreated {
		return nil, fmt.Errorf("%w: cannot initiate intent in status %s", ErrInvalidTransition, intent.Status)
	}

	adapter, err := s.registry.Get(intent.Provider)
	if err != nil {
		return nil, err
	}

	req := providers.InitiateRequest{
		TenantID:    intent.TenantID,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		Msisdn:      msisdn,
		Reference:   intent.UUID,
		Description: description,
		CallbackURL: s.publicURL + "/webhooks/" + intent.Provider,
	}

	result, err := s.initiateWithRetry(ctx, adapter, req)
	if err != nil {
		if errors.Is(err, providers.ErrProviderRejected) {
			s.failIntent(ctx, intent, models.IntentStatusCreated, err.Error())
		}
		return nil, err
	}

	ok, err := s.store.TransitionIntent(ctx, intent.ID,
		models.IntentStatusCreated, models.IntentStatusProviderInitiated,
		map[string]interface{}{
			"provider_ref": result.ProviderRef,
			"merchant_ref": result.MerchantRef,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race; whoever won owns the lifecycle now
		return s.store.GetIntentByUUID(ctx, intentUUID)
	}

	payment := &models.Payment{
		UUID:           uuid.NewString(),
		IntentID:       intent.ID,
		Provider:       intent.Provider,
		ProviderTxnRef: result.ProviderRef,
		Status:         models.PaymentStatusPending,
		Amount:         intent.Amount,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	intent.Status = models.IntentStatusProviderInitiated
	intent.ProviderRef = result.ProviderRef
	intent.MerchantRef = result.MerchantRef
	return intent, nil
}

func (s *PaymentService) initiateWithRetry(ctx context.Context, adapter providers.Adapter, req providers.InitiateRequest) (*providers.InitiateResult, error) {
	result, err := adapter.Initiate(ctx, req)
	for attempt := 0; err != nil && errors.Is(err, providers.ErrProviderUnavailable) && attempt < len(s.retryBackoff); attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retryBackoff[attempt]):
		}
		result, err = adapter.Initiate(ctx, req)
	}
	return result, err
}

// HandleCallback settles an inbound provider callback. Malformed payloads
// are audited and surfaced as ErrMalformedCallback; the transport layer still
// acknowledges them. Duplicates and unmatched events are audited no-ops.
func (s *PaymentService) HandleCallback(ctx context.Context, provider string, raw []byte) (*providers.NormalizedEvent, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	event, err := adapter.ParseCallback(raw)
	if err != nil {
		s.audit(ctx, &models.WebhookEvent{
			Provider: provider,
			Status:   models.WebhookEventStatusFailed,
			Payload:  json.RawMessage(raw),
			Note:     err.Error(),
		})
		return nil, err
	}

	dedupKey := fmt.Sprintf("webhook:%s:%s", provider, event.ProviderEventID)
	res, err := s.idem.Reserve(ctx, dedupKey)
	if err != nil {
		return nil, err
	}
	if res.State != ReservationAcquired {
		s.audit(ctx, &models.WebhookEvent{
			Provider:        provider,
			ProviderEventID: event.ProviderEventID,
			Status:          models.WebhookEventStatusDuplicate,
			Payload:         json.RawMessage(raw),
		})
		return event, nil
	}

	intent, err := s.store.GetIntentByProviderRef(ctx, provider, event.ProviderRef)
	if errors.Is(err, ErrNotFound) {
		s.audit(ctx, &models.WebhookEvent{
			Provider:        provider,
			ProviderEventID: event.ProviderEventID,
			Status:          models.WebhookEventStatusIgnored,
			Payload:         json.RawMessage(raw),
			Note:            "no intent matches provider reference " + event.ProviderRef,
		})
		s.idem.Complete(ctx, dedupKey, map[string]string{"result": "ignored"})
		return event, nil
	}
	if err != nil {
		s.idem.Release(ctx, dedupKey)
		return nil, err
	}

	switch event.Outcome {
	case providers.OutcomeSuccess:
		err = s.applySuccess(ctx, intent, event, raw)
	case providers.OutcomeFailure:
		err = s.applyFailure(ctx, intent, event, raw)
	default:
		// Not final; release so the final event with the same id can settle
		s.audit(ctx, &models.WebhookEvent{
			Provider:        provider,
			ProviderEventID: event.ProviderEventID,
			Status:          models.WebhookEventStatusIgnored,
			Payload:         json.RawMessage(raw),
			Note:            "non-final outcome",
			IntentUUID:      intent.UUID,
		})
		s.idem.Release(ctx, dedupKey)
		return event, nil
	}
	if err != nil {
		s.idem.Release(ctx, dedupKey)
		return nil, err
	}

	s.idem.Complete(ctx, dedupKey, map[string]string{"intent_uuid": intent.UUID, "outcome": string(event.Outcome)})
	return event, nil
}

// appendOnce posts a ledger group, treating a duplicate as already posted.
// Group ids derived from the intent make a redelivered event converge on a
// single posting instead of erroring or double-posting.
func (s *PaymentService) appendOnce(ctx context.Context, groupID string, entries []models.LedgerEntry) error {
	err := s.ledger.Append(ctx, groupID, entries)
	if errors.Is(err, ErrDuplicateReference) {
		return nil
	}
	return err
}

func (s *PaymentService) applySuccess(ctx context.Context, intent *models.PaymentIntent, event *providers.NormalizedEvent, raw []byte) error {
	current, err := s.store.GetIntentByUUID(ctx, intent.UUID)
	if err != nil {
		return err
	}
	if current.Status != models.IntentStatusProviderInitiated {
		// Conflicting outcome for a settled intent: log, audit, discard.
		// A success landing on an expired intent is resolved by
		// reconciliation, never by mutating settled state.
		note := fmt.Sprintf("success outcome conflicts with status %s, discarded", current.Status)
		log.Printf("intent %s: %s (event %s)", intent.UUID, note, event.ProviderEventID)
		s.audit(ctx, &models.WebhookEvent{
			Provider:        event.Provider,
			ProviderEventID: event.ProviderEventID,
			Status:          models.WebhookEventStatusIgnored,
			Payload:         json.RawMessage(raw),
			Note:            note,
			IntentUUID:      intent.UUID,
		})
		return nil
	}

	// The journal records what the provider actually collected
	settled := intent.Amount
	if event.Amount > 0 {
		settled = event.Amount
	}
	if settled != intent.Amount {
		log.Printf("intent %s: provider settled %d, intent requested %d (event %s)",
			intent.UUID, settled, intent.Amount, event.ProviderEventID)
	}

	// The ledger group goes in before the status flips to succeeded. If the
	// flip is never reached, the reservation is released and the provider's
	// redelivery finds the entries already posted and completes the
	// transition; an intent is never succeeded without its entries.
	entries := []models.LedgerEntry{
		{
			TenantID:  intent.TenantID,
			Account:   models.CashAccount(intent.Provider),
			Side:      models.EntrySideDebit,
			Amount:    settled,
			Currency:  intent.Currency,
			Reference: intent.UUID,
		},
		{
			TenantID:  intent.TenantID,
			Account:   models.AccountRevenueSubscriptions,
			Side:      models.EntrySideCredit,
			Amount:    settled,
			Currency:  intent.Currency,
			Reference: intent.UUID,
		},
	}
	if err := s.appendOnce(ctx, "settle:"+intent.UUID, entries); err != nil {
		return err
	}

	ok, err := s.store.TransitionIntent(ctx, intent.ID,
		models.IntentStatusProviderInitiated, models.IntentStatusSucceeded, nil)
	if err != nil {
		return err
	}
	if !ok {
		// A conflicting outcome won the race between the post and the flip;
		// back the group out with a reversing group and discard the event
		void := []models.LedgerEntry{
			{
				TenantID:  intent.TenantID,
				Account:   models.AccountRevenueSubscriptions,
				Side:      models.EntrySideDebit,
				Amount:    settled,
				Currency:  intent.Currency,
				Reference: intent.UUID,
			},
			{
				TenantID:  intent.TenantID,
				Account:   models.CashAccount(intent.Provider),
				Side:      models.EntrySideCredit,
				Amount:    settled,
				Currency:  intent.Currency,
				Reference: intent.UUID,
			},
		}
		if verr := s.appendOnce(ctx, "settle-void:"+intent.UUID, void); verr != nil {
			return verr
		}
		log.Printf("intent %s: success outcome lost settle race, entries voided (event %s)",
			intent.UUID, event.ProviderEventID)
		s.audit(ctx, &models.WebhookEvent{
			Provider:        event.Provider,
			ProviderEventID: event.ProviderEventID,
			Status:          models.WebhookEventStatusIgnored,
			Payload:         json.RawMessage(raw),
			Note:            "conflicting success outcome discarded, settle group voided",
			IntentUUID:      intent.UUID,
		})
		return nil
	}

	normalized, _ := json.Marshal(event)
	if payment, perr := s.store.GetPendingPaymentByIntent(ctx, intent.ID); perr == nil {
		if uerr := s.store.UpdatePayment(ctx, payment.ID, map[string]interface{}{
			"status":             models.PaymentStatusConfirmed,
			"provider_event_id":  event.ProviderEventID,
			"receipt_number":     event.ReceiptNumber,
			"payer_phone":        event.PayerPhone,
			"amount":             settled,
			"normalized_payload": json.RawMessage(normalized),
		}); uerr != nil {
			return uerr
		}
	}

	s.audit(ctx, &models.WebhookEvent{
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		Status:          models.WebhookEventStatusProcessed,
		Payload:         json.RawMessage(raw),
		IntentUUID:      intent.UUID,
	})
	s.notifier.Notify(ctx, NotificationEvent{
		Type:       NotifyPaymentSucceeded,
		TenantID:   intent.TenantID,
		SubjectID:  intent.SubjectID,
		IntentUUID: intent.UUID,
		Amount:     settled,
		Currency:   intent.Currency,
		Provider:   intent.Provider,
		ReceiptRef: event.ReceiptNumber,
		OccurredAt: s.now(),
	})
	if s.observer != nil {
		s.observer.PaymentOutcome(ctx, intent, providers.OutcomeSuccess, "")
	}
	return nil
}

func (s *PaymentService) applyFailure(ctx context.Context, intent *models.PaymentIntent, event *providers.NormalizedEvent, raw []byte) error {
	ok, err := s.store.TransitionIntent(ctx, intent.ID,
		models.IntentStatusProviderInitiated, models.IntentStatusFailed,
		map[string]interface{}{"error_message": event.FailureReason})
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("intent %s: failure outcome conflicts with settled state, discarded (event %s)",
			intent.UUID, event.ProviderEventID)
		s.audit(ctx, &models.WebhookEvent{
			Provider:        event.Provider,
			ProviderEventID: event.ProviderEventID,
			Status:          models.WebhookEventStatusIgnored,
			Payload:         json.RawMessage(raw),
			Note:            "conflicting failure outcome discarded",
			IntentUUID:      intent.UUID,
		})
		return nil
	}

	if payment, perr := s.store.GetPendingPaymentByIntent(ctx, intent.ID); perr == nil {
		normalized, _ := json.Marshal(event)
		if uerr := s.store.UpdatePayment(ctx, payment.ID, map[string]interface{}{
			"status":             models.PaymentStatusFailed,
			"provider_event_id":  event.ProviderEventID,
			"normalized_payload": json.RawMessage(normalized),
		}); uerr != nil {
			return uerr
		}
	}

	s.audit(ctx, &models.WebhookEvent{
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		Status:          models.WebhookEventStatusProcessed,
		Payload:         json.RawMessage(raw),
		IntentUUID:      intent.UUID,
	})
	s.notifier.Notify(ctx, NotificationEvent{
		Type:       NotifyPaymentFailed,
		TenantID:   intent.TenantID,
		SubjectID:  intent.SubjectID,
		IntentUUID: intent.UUID,
		Amount:     intent.Amount,
		Currency:   intent.Currency,
		Provider:   intent.Provider,
		Reason:     event.FailureReason,
		OccurredAt: s.now(),
	})
	if s.observer != nil {
		s.observer.PaymentOutcome(ctx, intent, providers.OutcomeFailure, event.FailureReason)
	}
	return nil
}

func (s *PaymentService) failIntent(ctx context.Context, intent *models.PaymentIntent, from models.IntentStatus, reason string) {
	if _, err := s.store.TransitionIntent(ctx, intent.ID, from, models.IntentStatusFailed,
		map[string]interface{}{"error_message": reason}); err != nil {
		log.Printf("intent %s: failed to record failure: %v", intent.UUID, err)
	}
	if s.observer != nil {
		intent.Status = models.IntentStatusFailed
		s.observer.PaymentOutcome(ctx, intent, providers.OutcomeFailure, reason)
	}
}

// ExpireStaleIntents reaps provider_initiated intents whose TTL has passed.
// Each candidate gets one status query first so a settled collection whose
// callback was lost still lands as succeeded instead of expired.
func (s *PaymentService) ExpireStaleIntents(ctx context.Context, limit int) (int, error) {
	stale, err := s.store.ListStaleInitiated(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		intent := &stale[i]
		adapter, aerr := s.registry.Get(intent.Provider)
		if aerr != nil {
			log.Printf("intent %s: %v", intent.UUID, aerr)
			continue
		}

		outcome := providers.OutcomePending
		if intent.ProviderRef != "" {
			if o, qerr := adapter.QueryStatus(ctx, intent.ProviderRef); qerr == nil {
				outcome = o
			} else {
				log.Printf("intent %s: status query failed, expiring: %v", intent.UUID, qerr)
			}
		}

		switch outcome {
		case providers.OutcomeSuccess:
			event := &providers.NormalizedEvent{
				Provider:        intent.Provider,
				ProviderEventID: "query:" + intent.ProviderRef,
				ProviderRef:     intent.ProviderRef,
				Outcome:         providers.OutcomeSuccess,
				Amount:          intent.Amount,
				Currency:        intent.Currency,
			}
			if err := s.applySuccess(ctx, intent, event, nil); err != nil {
				log.Printf("intent %s: late settle failed: %v", intent.UUID, err)
			}
		case providers.OutcomeFailure:
			event := &providers.NormalizedEvent{
				Provider:        intent.Provider,
				ProviderEventID: "query:" + intent.ProviderRef,
				ProviderRef:     intent.ProviderRef,
				Outcome:         providers.OutcomeFailure,
				FailureReason:   "provider reported failure on status query",
			}
			if err := s.applyFailure(ctx, intent, event, nil); err != nil {
				log.Printf("intent %s: fail settle failed: %v", intent.UUID, err)
			}
		default:
			ok, terr := s.store.TransitionIntent(ctx, intent.ID,
				models.IntentStatusProviderInitiated, models.IntentStatusExpired,
				map[string]interface{}{"error_message": "collection window expired"})
			if terr != nil {
				return expired, terr
			}
			if !ok {
				continue
			}
			if payment, perr := s.store.GetPendingPaymentByIntent(ctx, intent.ID); perr == nil {
				s.store.UpdatePayment(ctx, payment.ID, map[string]interface{}{
					"status": models.PaymentStatusFailed,
				})
			}
			expired++
			if s.observer != nil {
				intent.Status = models.IntentStatusExpired
				s.observer.PaymentOutcome(ctx, intent, providers.OutcomeFailure, "expired")
			}
		}
	}
	return expired, nil
}

// ReverseIntent refunds a succeeded intent. The original moves to reversed,
// a linked reversal intent records the outbound leg, and two balanced groups
// move the money: revenue into the refund liability, then the liability out
// of cash.
func (s *PaymentService) ReverseIntent(ctx context.Context, intentUUID, reason string) (*models.PaymentIntent, error) {
	intent, err := s.store.GetIntentByUUID(ctx, intentUUID)
	if err != nil {
		return nil, err
	}
	if intent.Status != models.IntentStatusSucceeded && intent.Status != models.IntentStatusReversed {
		return nil, fmt.Errorf("%w: status %s", ErrIntentNotReversible, intent.Status)
	}

	reverseKey := "reverse:" + intentUUID
	res, err := s.idem.Reserve(ctx, reverseKey)
	if err != nil {
		return nil, err
	}
	switch res.State {
	case ReservationCompleted:
		var done struct {
			ReversalUUID string `json:"reversal_uuid"`
		}
		if err := json.Unmarshal(res.Result, &done); err == nil && done.ReversalUUID != "" {
			return s.store.GetIntentByUUID(ctx, done.ReversalUUID)
		}
		return nil, ErrIdempotencyConflict
	case ReservationInFlight:
		return nil, ErrRequestInFlight
	}

	// Status reversed with an open reservation means an earlier call failed
	// after the provider leg; skip straight to finishing the bookkeeping
	var providerRef, merchantRef string
	if intent.Status == models.IntentStatusSucceeded {
		adapter, err := s.registry.Get(intent.Provider)
		if err != nil {
			s.idem.Release(ctx, reverseKey)
			return nil, err
		}

		txnRef := intent.ProviderRef
		if payment, perr := s.store.GetLatestPaymentByIntent(ctx, intent.ID); perr == nil {
			if payment.ReceiptNumber != "" {
				txnRef = payment.ReceiptNumber
			} else if payment.ProviderTxnRef != "" {
				txnRef = payment.ProviderTxnRef
			}
		}
		result, err := adapter.Reverse(ctx, txnRef, intent.Amount)
		if err != nil {
			s.idem.Release(ctx, reverseKey)
			return nil, err
		}
		providerRef, merchantRef = result.ProviderRef, result.MerchantRef

		ok, err := s.store.TransitionIntent(ctx, intent.ID,
			models.IntentStatusSucceeded, models.IntentStatusReversed, nil)
		if err != nil {
			s.idem.Release(ctx, reverseKey)
			return nil, err
		}
		if !ok {
			s.idem.Release(ctx, reverseKey)
			return nil, fmt.Errorf("%w: concurrent state change", ErrIntentNotReversible)
		}
	}

	reversal, err := s.finishReversal(ctx, intent, providerRef, merchantRef, reason)
	if err != nil {
		s.idem.Release(ctx, reverseKey)
		return nil, err
	}
	if err := s.idem.Complete(ctx, reverseKey, map[string]string{"reversal_uuid": reversal.UUID}); err != nil {
		return nil, err
	}
	return reversal, nil
}

// finishReversal records the bookkeeping for a provider-confirmed reversal:
// payment status, the linked reversal intent and the two balanced groups.
// Every write is replay-safe so a retry after a partial failure converges on
// the same final state.
func (s *PaymentService) finishReversal(ctx context.Context, intent *models.PaymentIntent, providerRef, merchantRef, reason string) (*models.PaymentIntent, error) {
	if payment, perr := s.store.GetLatestPaymentByIntent(ctx, intent.ID); perr == nil && payment.Status != models.PaymentStatusReversed {
		s.store.UpdatePayment(ctx, payment.ID, map[string]interface{}{
			"status": models.PaymentStatusReversed,
		})
	}

	reversal, err := s.store.GetIntentByIdempotencyKey(ctx, "rev_"+intent.IdempotencyKey)
	if errors.Is(err, ErrNotFound) {
		reversal = &models.PaymentIntent{
			UUID:             uuid.NewString(),
			TenantID:         intent.TenantID,
			SubjectID:        intent.SubjectID,
			Amount:           intent.Amount,
			Currency:         intent.Currency,
			Provider:         intent.Provider,
			IdempotencyKey:   "rev_" + intent.IdempotencyKey,
			Status:           models.IntentStatusSucceeded,
			ProviderRef:      providerRef,
			MerchantRef:      merchantRef,
			IsReversal:       true,
			ReversedIntentID: intent.UUID,
		}
		if cerr := s.store.CreateIntent(ctx, reversal); cerr != nil {
			return nil, cerr
		}
	} else if err != nil {
		return nil, err
	}

	liability := []models.LedgerEntry{
		{TenantID: intent.TenantID, Account: models.AccountRevenueSubscriptions, Side: models.EntrySideDebit,
			Amount: intent.Amount, Currency: intent.Currency, Reference: reversal.UUID},
		{TenantID: intent.TenantID, Account: models.AccountPayableRefunds, Side: models.EntrySideCredit,
			Amount: intent.Amount, Currency: intent.Currency, Reference: reversal.UUID},
	}
	if err := s.appendOnce(ctx, "refund-liability:"+intent.UUID, liability); err != nil {
		return nil, err
	}
	payout := []models.LedgerEntry{
		{TenantID: intent.TenantID, Account: models.AccountPayableRefunds, Side: models.EntrySideDebit,
			Amount: intent.Amount, Currency: intent.Currency, Reference: reversal.UUID},
		{TenantID: intent.TenantID, Account: models.CashAccount(intent.Provider), Side: models.EntrySideCredit,
			Amount: intent.Amount, Currency: intent.Currency, Reference: reversal.UUID},
	}
	if err := s.appendOnce(ctx, "refund-payout:"+intent.UUID, payout); err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, NotificationEvent{
		Type:       NotifyPaymentReversed,
		TenantID:   intent.TenantID,
		SubjectID:  intent.SubjectID,
		IntentUUID: intent.UUID,
		Amount:     intent.Amount,
		Currency:   intent.Currency,
		Provider:   intent.Provider,
		Reason:     reason,
		OccurredAt: s.now(),
	})
	return reversal, nil
}

// GetIntent resolves an intent by its public UUID
func (s *PaymentService) GetIntent(ctx context.Context, intentUUID string) (*models.PaymentIntent, error) {
	return s.store.GetIntentByUUID(ctx, intentUUID)
}

// CancelIntent cancels an intent that has not been handed to a provider yet
func (s *PaymentService) CancelIntent(ctx context.Context, intentUUID string) (*models.PaymentIntent, error) {
	intent, err := s.store.GetIntentByUUID(ctx, intentUUID)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.TransitionIntent(ctx, intent.ID,
		models.IntentStatusCreated, models.IntentStatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot cancel intent in status %s", ErrInvalidTransition, intent.Status)
	}
	intent.Status = models.IntentStatusCancelled
	return intent, nil
}

func (s *PaymentService) audit(ctx context.Context, event *models.WebhookEvent) {
	if err := s.store.CreateWebhookEvent(ctx, event); err != nil {
		log.Printf("webhook audit write failed for %s/%s: %v", event.Provider, event.ProviderEventID, err)
	}
}

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"lipa_engine/internal/models"
	"lipa_engine/internal/providers"
)

func createInitiated(t *testing.T, e *testEngine, key string, amount int64) *models.PaymentIntent {
	t.Helper()
	ctx := context.Background()

	intent, err := e.payments.CreateIntent(ctx, CreateIntentInput{
		TenantID:       "tenant-1",
		SubjectID:      "subject-1",
		Amount:         amount,
		Provider:       "mpesa",
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("CreateIntent failed: %v", err)
	}
	intent, err = e.payments.InitiateIntent(ctx, intent.UUID, "254712345678", "Test charge")
	if err != nil {
		t.Fatalf("InitiateIntent failed: %v", err)
	}
	return intent
}

func TestCreateIntentIdempotentReplay(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	in := CreateIntentInput{
		TenantID:       "tenant-1",
		SubjectID:      "subject-1",
		Amount:         50000,
		Provider:       "mpesa",
		IdempotencyKey: "order-42",
	}
	first, err := e.payments.CreateIntent(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	replay, err := e.payments.CreateIntent(ctx, in)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.UUID != first.UUID {
		t.Errorf("replay returned intent %s, want %s", replay.UUID, first.UUID)
	}
	if len(e.store.Intents()) != 1 {
		t.Errorf("intent count = %d, want 1", len(e.store.Intents()))
	}

	in.Amount = 60000
	if _, err := e.payments.CreateIntent(ctx, in); !errors.Is(err, ErrIdempotencyConflict) {
		t.Errorf("err = %v, want ErrIdempotencyConflict", err)
	}
}

func TestInitiateRetriesTransientErrors(t *testing.T) {
	e := newTestEngine()
	e.adapter.initiateErrs = []error{providers.ErrProviderUnavailable, providers.ErrProviderUnavailable, nil}

	intent := createInitiated(t, e, "order-retry", 50000)
	if intent.Status != models.IntentStatusProviderInitiated {
		t.Errorf("status = %s, want provider_initiated", intent.Status)
	}
	if e.adapter.initiateCalls != 3 {
		t.Errorf("initiate calls = %d, want 3", e.adapter.initiateCalls)
	}
	if intent.ProviderRef == "" {
		t.Error("provider ref not recorded")
	}
}

func TestInitiateRejectionFailsIntent(t *testing.T) {
	e := newTestEngine()
	e.adapter.initiateErrs = []error{providers.ErrProviderRejected}
	ctx := context.Background()

	intent, err := e.payments.CreateIntent(ctx, CreateIntentInput{
		TenantID: "tenant-1", SubjectID: "subject-1", Amount: 50000,
		Provider: "mpesa", IdempotencyKey: "order-rejected",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.payments.InitiateIntent(ctx, intent.UUID, "254712345678", ""); !errors.Is(err, providers.ErrProviderRejected) {
		t.Fatalf("err = %v, want ErrProviderRejected", err)
	}

	got, _ := e.payments.GetIntent(ctx, intent.UUID)
	if got.Status != models.IntentStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestCallbackSettlementAndReplay(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	intent := createInitiated(t, e, "order-settle", 50000)

	if _, err := e.callback(ctx, "evt-1", intent.ProviderRef, providers.OutcomeSuccess, 50000); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	got, _ := e.payments.GetIntent(ctx, intent.UUID)
	if got.Status != models.IntentStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}

	payments := e.store.Payments()
	if len(payments) != 1 || payments[0].Status != models.PaymentStatusConfirmed {
		t.Fatalf("payment not confirmed: %+v", payments)
	}
	if payments[0].ProviderEventID != "evt-1" {
		t.Errorf("payment event id = %q, want evt-1", payments[0].ProviderEventID)
	}

	cash, _ := e.ledger.BalanceOf(ctx, models.CashAccount("mpesa"), e.clock.Add(time.Hour))
	if cash != 50000 {
		t.Errorf("cash balance = %d, want 50000", cash)
	}
	entriesBefore := len(e.ledger.AllEntries())

	// Replaying the same event must change nothing
	if _, err := e.callback(ctx, "evt-1", intent.ProviderRef, providers.OutcomeSuccess, 50000); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(e.ledger.AllEntries()) != entriesBefore {
		t.Error("replay posted new ledger entries")
	}
	if got, _ := e.payments.GetIntent(ctx, intent.UUID); got.Status != models.IntentStatusSucceeded {
		t.Errorf("replay changed status to %s", got.Status)
	}

	var duplicates int
	for _, w := range e.store.WebhookEvents() {
		if w.Status == models.WebhookEventStatusDuplicate {
			duplicates++
		}
	}
	if duplicates != 1 {
		t.Errorf("duplicate audit rows = %d, want 1", duplicates)
	}
}

func TestCallbackFailure(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	intent := createInitiated(t, e, "order-fail", 50000)
	if _, err := e.callback(ctx, "evt-f1", intent.ProviderRef, providers.OutcomeFailure, 0); err != nil {
		t.Fatal(err)
	}

	got, _ := e.payments.GetIntent(ctx, intent.UUID)
	if got.Status != models.IntentStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("failure reason not recorded")
	}
	if len(e.ledger.AllEntries()) != 0 {
		t.Error("failed payment must not touch the ledger")
	}

	var sawFailedNotify bool
	for _, n := range e.notified.Events {
		if n.Type == NotifyPaymentFailed {
			sawFailedNotify = true
		}
	}
	if !sawFailedNotify {
		t.Error("no payment.failed notification emitted")
	}
}

func TestConflictingOutcomeDiscarded(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	intent := createInitiated(t, e, "order-conflict", 50000)
	if _, err := e.callback(ctx, "evt-ok", intent.ProviderRef, providers.OutcomeSuccess, 50000); err != nil {
		t.Fatal(err)
	}

	// A contradictory failure for the same collection arrives later under a
	// different event id
	if _, err := e.callback(ctx, "evt-late", intent.ProviderRef, providers.OutcomeFailure, 0); err != nil {
		t.Fatal(err)
	}

	got, _ := e.payments.GetIntent(ctx, intent.UUID)
	if got.Status != models.IntentStatusSucceeded {
		t.Fatalf("settled status mutated to %s", got.Status)
	}

	var ignored bool
	for _, w := range e.store.WebhookEvents() {
		if w.ProviderEventID == "evt-late" && w.Status == models.WebhookEventStatusIgnored {
			ignored = true
		}
	}
	if !ignored {
		t.Error("conflicting event not audited as ignored")
	}
}

func TestMalformedCallbackAuditedAndRejected(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_, err := e.payments.HandleCallback(ctx, "mpesa", []byte(`{"not a callback`))
	if !errors.Is(err, providers.ErrMalformedCallback) {
		t.Fatalf("err = %v, want ErrMalformedCallback", err)
	}

	events := e.store.WebhookEvents()
	if len(events) != 1 || events[0].Status != models.WebhookEventStatusFailed {
		t.Fatalf("malformed payload not audited: %+v", events)
	}
	if len(e.store.Intents()) != 0 || len(e.ledger.AllEntries()) != 0 {
		t.Error("malformed payload changed state")
	}
}

func TestUnmatchedCallbackIgnored(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	if _, err := e.callback(ctx, "evt-stray", "no-such-ref", providers.OutcomeSuccess, 100); err != nil {
		t.Fatalf("stray callback should ack, got %v", err)
	}

	events := e.store.WebhookEvents()
	if len(events) != 1 || events[0].Status != models.WebhookEventStatusIgnored {
		t.Fatalf("stray event not audited as ignored: %+v", events)
	}
}

func TestExpireStaleIntents(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	abandoned := createInitiated(t, e, "order-stale", 50000)
	recovered := createInitiated(t, e, "order-late-win", 70000)

	// Past the TTL; the provider reports the second one actually settled
	e.clock = e.clock.Add(defaultIntentTTL + time.Minute)

	e.adapter.queryOutcome = providers.OutcomePending
	expired, err := e.payments.ExpireStaleIntents(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	got, _ := e.payments.GetIntent(ctx, abandoned.UUID)
	if got.Status != models.IntentStatusExpired {
		t.Fatalf("abandoned status = %s, want expired", got.Status)
	}

	e.adapter.queryOutcome = providers.OutcomeSuccess
	if _, err := e.payments.ExpireStaleIntents(ctx, 10); err != nil {
		t.Fatal(err)
	}
	got, _ = e.payments.GetIntent(ctx, recovered.UUID)
	if got.Status != models.IntentStatusSucceeded {
		t.Fatalf("recovered status = %s, want succeeded", got.Status)
	}
	cash, _ := e.ledger.BalanceOf(ctx, models.CashAccount("mpesa"), e.clock.Add(time.Hour))
	if cash != 70000 {
		t.Errorf("cash balance = %d, want 70000", cash)
	}
}

func TestReverseIntent(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	intent := createInitiated(t, e, "order-reverse", 50000)
	if _, err := e.payments.ReverseIntent(ctx, intent.UUID, "early"); !errors.Is(err, ErrIntentNotReversible) {
		t.Fatalf("reverse before settlement err = %v, want ErrIntentNotReversible", err)
	}
	if _, err := e.callback(ctx, "evt-r1", intent.ProviderRef, providers.OutcomeSuccess, 50000); err != nil {
		t.Fatal(err)
	}

	reversal, err := e.payments.ReverseIntent(ctx, intent.UUID, "customer refund")
	if err != nil {
		t.Fatalf("ReverseIntent failed: %v", err)
	}
	if !reversal.IsReversal || reversal.ReversedIntentID != intent.UUID {
		t.Errorf("reversal lineage wrong: %+v", reversal)
	}

	got, _ := e.payments.GetIntent(ctx, intent.UUID)
	if got.Status != models.IntentStatusReversed {
		t.Fatalf("original status = %s, want reversed", got.Status)
	}

	asOf := e.clock.Add(time.Hour)
	for _, account := range []string{
		models.CashAccount("mpesa"),
		models.AccountRevenueSubscriptions,
		models.AccountPayableRefunds,
	} {
		balance, _ := e.ledger.BalanceOf(ctx, account, asOf)
		if balance != 0 {
			t.Errorf("%s balance after reversal = %d, want 0", account, balance)
		}
	}

	// Reversing again replays the recorded outcome instead of refunding twice
	again, err := e.payments.ReverseIntent(ctx, intent.UUID, "again")
	if err != nil {
		t.Fatalf("replayed reverse failed: %v", err)
	}
	if again.UUID != reversal.UUID {
		t.Errorf("replay returned %s, want %s", again.UUID, reversal.UUID)
	}
	if e.adapter.reverseCalls != 1 {
		t.Errorf("provider reverse calls = %d, want 1", e.adapter.reverseCalls)
	}
}

// flakyLedger fails scripted appends before delegating, one error per call
type flakyLedger struct {
	LedgerStore
	appendErrs []error
}

func (f *flakyLedger) Append(ctx context.Context, groupID string, entries []models.LedgerEntry) error {
	if len(f.appendErrs) > 0 {
		err := f.appendErrs[0]
		f.appendErrs = f.appendErrs[1:]
		if err != nil {
			return err
		}
	}
	return f.LedgerStore.Append(ctx, groupID, entries)
}

func TestCallbackLedgerFailureSettlesOnRedelivery(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	intent := createInitiated(t, e, "order-ledger-down", 50000)
	e.payments.ledger = &flakyLedger{LedgerStore: e.ledger, appendErrs: []error{errors.New("connection reset")}}

	if _, err := e.callback(ctx, "evt-ld", intent.ProviderRef, providers.OutcomeSuccess, 50000); err == nil {
		t.Fatal("callback with a failing ledger must surface the error")
	}

	// Nothing may look settled while the journal is missing the entries
	got, _ := e.payments.GetIntent(ctx, intent.UUID)
	if got.Status != models.IntentStatusProviderInitiated {
		t.Fatalf("status = %s, want provider_initiated until the entries post", got.Status)
	}
	if len(e.ledger.AllEntries()) != 0 {
		t.Fatal("partial settlement left ledger entries")
	}

	// The provider redelivers the same event id; this time it settles fully
	if _, err := e.callback(ctx, "evt-ld", intent.ProviderRef, providers.OutcomeSuccess, 50000); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	got, _ = e.payments.GetIntent(ctx, intent.UUID)
	if got.Status != models.IntentStatusSucceeded {
		t.Fatalf("status after redelivery = %s, want succeeded", got.Status)
	}
	cash, _ := e.ledger.BalanceOf(ctx, models.CashAccount("mpesa"), e.clock.Add(time.Hour))
	if cash != 50000 {
		t.Errorf("cash balance = %d, want 50000", cash)
	}
	if len(e.ledger.AllEntries()) != 2 {
		t.Errorf("ledger rows = %d, want exactly one settlement group", len(e.ledger.AllEntries()))
	}
}

func TestCallbackCompletesAfterPartialSettlement(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	intent := createInitiated(t, e, "order-partial", 50000)

	// A previous delivery posted the settlement group but died before the
	// status flip; its reservation has since lapsed
	entries := []models.LedgerEntry{
		{TenantID: "tenant-1", Account: models.CashAccount("mpesa"), Side: models.EntrySideDebit,
			Amount: 50000, Currency: "KES", Reference: intent.UUID},
		{TenantID: "tenant-1", Account: models.AccountRevenueSubscriptions, Side: models.EntrySideCredit,
			Amount: 50000, Currency: "KES", Reference: intent.UUID},
	}
	if err := e.ledger.Append(ctx, "settle:"+intent.UUID, entries); err != nil {
		t.Fatal(err)
	}

	if _, err := e.callback(ctx, "evt-pt", intent.ProviderRef, providers.OutcomeSuccess, 50000); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	got, _ := e.payments.GetIntent(ctx, intent.UUID)
	if got.Status != models.IntentStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	if len(e.ledger.AllEntries()) != 2 {
		t.Errorf("ledger rows = %d, want 2 (no double posting)", len(e.ledger.AllEntries()))
	}
}

func TestCallbackSettlesReportedAmount(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	intent := createInitiated(t, e, "order-short-pay", 50000)

	// The provider reports a lower collected amount than requested
	if _, err := e.callback(ctx, "evt-sp", intent.ProviderRef, providers.OutcomeSuccess, 49000); err != nil {
		t.Fatal(err)
	}

	cash, _ := e.ledger.BalanceOf(ctx, models.CashAccount("mpesa"), e.clock.Add(time.Hour))
	if cash != 49000 {
		t.Errorf("cash balance = %d, want the settled 49000", cash)
	}
	payments := e.store.Payments()
	if len(payments) != 1 || payments[0].Amount != 49000 {
		t.Errorf("payment amount = %+v, want 49000", payments)
	}
}

func TestReverseLedgerFailureRetriedToCompletion(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	intent := createInitiated(t, e, "order-rev-down", 50000)
	if _, err := e.callback(ctx, "evt-rd", intent.ProviderRef, providers.OutcomeSuccess, 50000); err != nil {
		t.Fatal(err)
	}

	e.payments.ledger = &flakyLedger{LedgerStore: e.ledger, appendErrs: []error{errors.New("connection reset")}}
	if _, err := e.payments.ReverseIntent(ctx, intent.UUID, "refund"); err == nil {
		t.Fatal("reverse with a failing ledger must surface the error")
	}

	// The retry finishes the bookkeeping without refunding at the provider
	// a second time
	reversal, err := e.payments.ReverseIntent(ctx, intent.UUID, "refund")
	if err != nil {
		t.Fatalf("retried reverse failed: %v", err)
	}
	if !reversal.IsReversal || reversal.ReversedIntentID != intent.UUID {
		t.Errorf("reversal lineage wrong: %+v", reversal)
	}
	if e.adapter.reverseCalls != 1 {
		t.Errorf("provider reverse calls = %d, want 1", e.adapter.reverseCalls)
	}

	asOf := e.clock.Add(time.Hour)
	for _, account := range []string{
		models.CashAccount("mpesa"),
		models.AccountRevenueSubscriptions,
		models.AccountPayableRefunds,
	} {
		balance, _ := e.ledger.BalanceOf(ctx, account, asOf)
		if balance != 0 {
			t.Errorf("%s balance = %d, want 0", account, balance)
		}
	}
	if len(e.ledger.AllEntries()) != 6 {
		t.Errorf("ledger rows = %d, want 6 (settlement + two reversing groups)", len(e.ledger.AllEntries()))
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.IntentStatus
		want     bool
	}{
		{models.IntentStatusCreated, models.IntentStatusProviderInitiated, true},
		{models.IntentStatusCreated, models.IntentStatusCancelled, true},
		{models.IntentStatusCreated, models.IntentStatusSucceeded, false},
		{models.IntentStatusProviderInitiated, models.IntentStatusSucceeded, true},
		{models.IntentStatusProviderInitiated, models.IntentStatusFailed, true},
		{models.IntentStatusProviderInitiated, models.IntentStatusExpired, true},
		{models.IntentStatusSucceeded, models.IntentStatusReversed, true},
		{models.IntentStatusSucceeded, models.IntentStatusFailed, false},
		{models.IntentStatusExpired, models.IntentStatusSucceeded, false},
		{models.IntentStatusReversed, models.IntentStatusSucceeded, false},
		{models.IntentStatusFailed, models.IntentStatusProviderInitiated, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

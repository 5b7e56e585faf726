package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lipa_engine/internal/providers"
)

// fakeAdapter is a scriptable provider for service tests. Callbacks are
// marshaled NormalizedEvents; initiate errors are consumed one per call.
type fakeAdapter struct {
	name string

	initiateErrs  []error
	initiateCalls int

	queryOutcome providers.Outcome
	queryErr     error

	reverseErr   error
	reverseCalls int

	settlementTotal int64
	settlementErr   error
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, queryOutcome: providers.OutcomePending}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Initiate(ctx context.Context, req providers.InitiateRequest) (*providers.InitiateResult, error) {
	f.initiateCalls++
	if len(f.initiateErrs) > 0 {
		err := f.initiateErrs[0]
		f.initiateErrs = f.initiateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &providers.InitiateResult{
		ProviderRef: fmt.Sprintf("%s-ref-%d", f.name, f.initiateCalls),
		MerchantRef: req.Reference,
		NextAction:  "stk_push",
	}, nil
}

func (f *fakeAdapter) ParseCallback(raw []byte) (*providers.NormalizedEvent, error) {
	var event providers.NormalizedEvent
	if err := json.Unmarshal(raw, &event); err != nil || event.ProviderEventID == "" {
		return nil, providers.ErrMalformedCallback
	}
	event.Provider = f.name
	return &event, nil
}

func (f *fakeAdapter) QueryStatus(ctx context.Context, providerRef string) (providers.Outcome, error) {
	if f.queryErr != nil {
		return "", f.queryErr
	}
	return f.queryOutcome, nil
}

func (f *fakeAdapter) Reverse(ctx context.Context, providerRef string, amount int64) (*providers.InitiateResult, error) {
	f.reverseCalls++
	if f.reverseErr != nil {
		return nil, f.reverseErr
	}
	return &providers.InitiateResult{
		ProviderRef: fmt.Sprintf("%s-rev-%d", f.name, f.reverseCalls),
	}, nil
}

func (f *fakeAdapter) SettlementTotal(ctx context.Context, tenantID string, date time.Time) (int64, error) {
	if f.settlementErr != nil {
		return 0, f.settlementErr
	}
	return f.settlementTotal, nil
}

// testEngine bundles a payment service wired to memory stores
type testEngine struct {
	payments *PaymentService
	store    *MemoryIntentStore
	ledger   *MemoryLedger
	idem     *MemoryIdempotency
	adapter  *fakeAdapter
	notified *RecordingNotifier
	clock    time.Time
}

func newTestEngine() *testEngine {
	e := &testEngine{
		store:    NewMemoryIntentStore(),
		ledger:   NewMemoryLedger(),
		idem:     NewMemoryIdempotency(),
		adapter:  newFakeAdapter("mpesa"),
		notified: &RecordingNotifier{},
		clock:    time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
	}
	registry := providers.NewRegistry()
	registry.Register(e.adapter)

	e.payments = NewPaymentService(e.store, e.ledger, e.idem, registry, e.notified)
	e.payments.retryBackoff = []time.Duration{0, 0, 0}
	e.payments.now = func() time.Time { return e.clock }
	return e
}

// callback marshals an event and delivers it through HandleCallback
func (e *testEngine) callback(ctx context.Context, eventID, providerRef string, outcome providers.Outcome, amount int64) (*providers.NormalizedEvent, error) {
	raw, _ := json.Marshal(providers.NormalizedEvent{
		ProviderEventID: eventID,
		ProviderRef:     providerRef,
		Outcome:         outcome,
		Amount:          amount,
		Currency:        "KES",
		FailureReason:   failureReasonFor(outcome),
	})
	return e.payments.HandleCallback(ctx, "mpesa", raw)
}

func failureReasonFor(outcome providers.Outcome) string {
	if outcome == providers.OutcomeFailure {
		return "Request cancelled by user"
	}
	return ""
}

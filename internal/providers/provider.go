package providers

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Collection outcome as reported by a provider, either through a callback
// or a status query.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

var (
	// ErrProviderUnavailable is transient; callers retry with bounded backoff
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected is terminal; the subject or request is invalid
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrMalformedCallback means the payload failed validation. It must still
	// be acknowledged to the provider, but produces no state change.
	ErrMalformedCallback = errors.New("malformed provider callback")
	// ErrUnknownProvider is returned by the registry for unregistered names
	ErrUnknownProvider = errors.New("unknown provider")
)

// NormalizedEvent is the only shape of provider data allowed past this
// package. Raw payloads never leak into the state machine.
type NormalizedEvent struct {
	Provider        string  `json:"provider"`
	ProviderEventID string  `json:"provider_event_id"`
	ProviderRef     string  `json:"provider_ref"`
	Outcome         Outcome `json:"outcome"`
	// Amount in minor units as reported by the provider, 0 if absent
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	ReceiptNumber string `json:"receipt_number,omitempty"`
	PayerPhone    string `json:"payer_phone,omitempty"`
}

// InitiateRequest asks a provider to collect Amount from Msisdn
type InitiateRequest struct {
	TenantID    string
	Amount      int64
	Currency    string
	Msisdn      string
	Reference   string
	Description string
	CallbackURL string
}

// InitiateResult carries the provider-side references for a started collection
type InitiateResult struct {
	// ProviderRef is the reference later echoed in callbacks and usable
	// for status queries
	ProviderRef string
	MerchantRef string
	// NextAction hints what the customer must do (stk_push approval,
	// collect consent, none)
	NextAction string
}

// Adapter abstracts one payment provider's capability set. Implementations
// must use bounded timeouts on every network call and map transport errors
// to ErrProviderUnavailable.
type Adapter interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	ParseCallback(raw []byte) (*NormalizedEvent, error)
	QueryStatus(ctx context.Context, providerRef string) (Outcome, error)
	Reverse(ctx context.Context, providerRef string, amount int64) (*InitiateResult, error)
	// SettlementTotal reports the provider's settled inbound total for one
	// tenant and day, in minor units. Used by reconciliation only.
	SettlementTotal(ctx context.Context, tenantID string, date time.Time) (int64, error)
}

// Registry maps provider names to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

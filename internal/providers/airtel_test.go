package providers

import (
	"errors"
	"testing"
)

func TestAirtelParseCallbackSuccess(t *testing.T) {
	raw := []byte(`{
		"transaction": {
			"id": "test-transaction-id",
			"airtel_money_id": "AM123456789",
			"status": "TS",
			"amount": 1000,
			"currency": "KES"
		},
		"subscriber": {
			"msisdn": "0712345678",
			"country": "KE"
		}
	}`)

	a := &AirtelAdapter{}
	ev, err := a.ParseCallback(raw)
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}

	if ev.Outcome != OutcomeSuccess {
		t.Errorf("expected success outcome, got %s", ev.Outcome)
	}
	if ev.ProviderEventID != "AM123456789" {
		t.Errorf("expected event id AM123456789, got %s", ev.ProviderEventID)
	}
	if ev.ProviderRef != "test-transaction-id" {
		t.Errorf("expected ref test-transaction-id, got %s", ev.ProviderRef)
	}
	if ev.Amount != 100000 {
		t.Errorf("expected amount 100000 minor units, got %d", ev.Amount)
	}
	if ev.PayerPhone != "0712345678" {
		t.Errorf("expected payer phone 0712345678, got %s", ev.PayerPhone)
	}
}

func TestAirtelParseCallbackFailure(t *testing.T) {
	raw := []byte(`{
		"transaction": {
			"id": "test-transaction-id",
			"status": "TF",
			"amount": 1000,
			"currency": "KES"
		}
	}`)

	a := &AirtelAdapter{}
	ev, err := a.ParseCallback(raw)
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}

	if ev.Outcome != OutcomeFailure {
		t.Errorf("expected failure outcome, got %s", ev.Outcome)
	}
	// Without an airtel_money_id the transaction id is the dedup key
	if ev.ProviderEventID != "test-transaction-id" {
		t.Errorf("expected event id test-transaction-id, got %s", ev.ProviderEventID)
	}
}

func TestAirtelParseCallbackMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "invalid json", raw: `[`},
		{name: "missing transaction", raw: `{}`},
		{name: "missing status", raw: `{"transaction":{"id":"x"}}`},
	}

	a := &AirtelAdapter{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ParseCallback([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedCallback) {
				t.Errorf("expected ErrMalformedCallback, got %v", err)
			}
		})
	}
}

func TestLocalMsisdn(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"254712345678", "0712345678"},
		{"+254712345678", "0712345678"},
		{"0712345678", "0712345678"},
	}

	for _, tt := range tests {
		if got := localMsisdn(tt.input); got != tt.expected {
			t.Errorf("localMsisdn(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestMidtransParseCallback(t *testing.T) {
	raw := []byte(`{
		"transaction_id": "mt-txn-1",
		"transaction_status": "settlement",
		"order_id": "order-1",
		"gross_amount": "500.00",
		"currency": "KES"
	}`)

	a := &MidtransAdapter{}
	ev, err := a.ParseCallback(raw)
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}
	if ev.Outcome != OutcomeSuccess {
		t.Errorf("expected success outcome, got %s", ev.Outcome)
	}
	if ev.ProviderRef != "order-1" {
		t.Errorf("expected ref order-1, got %s", ev.ProviderRef)
	}
	if ev.Amount != 50000 {
		t.Errorf("expected amount 50000, got %d", ev.Amount)
	}

	if _, err := a.ParseCallback([]byte(`{"order_id":"x"}`)); !errors.Is(err, ErrMalformedCallback) {
		t.Errorf("expected ErrMalformedCallback for incomplete notification, got %v", err)
	}
}

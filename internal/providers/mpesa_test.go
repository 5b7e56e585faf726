package providers

import (
	"errors"
	"testing"
)

func TestMpesaParseCallbackSuccess(t *testing.T) {
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "test-merchant-123",
				"CheckoutRequestID": "test-checkout-456",
				"ResultCode": 0,
				"ResultDesc": "Success",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 1000},
						{"Name": "MpesaReceiptNumber", "Value": "ABC123"},
						{"Name": "TransactionDate", "Value": 20231215100000},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`)

	a := &MpesaAdapter{}
	ev, err := a.ParseCallback(raw)
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}

	if ev.Outcome != OutcomeSuccess {
		t.Errorf("expected success outcome, got %s", ev.Outcome)
	}
	if ev.ProviderEventID != "test-checkout-456" {
		t.Errorf("expected event id test-checkout-456, got %s", ev.ProviderEventID)
	}
	if ev.Amount != 100000 {
		t.Errorf("expected amount 100000 minor units, got %d", ev.Amount)
	}
	if ev.ReceiptNumber != "ABC123" {
		t.Errorf("expected receipt ABC123, got %s", ev.ReceiptNumber)
	}
	if ev.PayerPhone != "254712345678" {
		t.Errorf("expected payer phone 254712345678, got %s", ev.PayerPhone)
	}
}

func TestMpesaParseCallbackFailure(t *testing.T) {
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "test-merchant-123",
				"CheckoutRequestID": "test-checkout-456",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`)

	a := &MpesaAdapter{}
	ev, err := a.ParseCallback(raw)
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}

	if ev.Outcome != OutcomeFailure {
		t.Errorf("expected failure outcome, got %s", ev.Outcome)
	}
	if ev.FailureReason == "" {
		t.Error("expected failure reason to be set")
	}
}

func TestMpesaParseCallbackMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "invalid json", raw: `{not json`},
		{name: "missing checkout id", raw: `{"Body":{"stkCallback":{"ResultCode":0}}}`},
		{name: "missing result code", raw: `{"Body":{"stkCallback":{"CheckoutRequestID":"x"}}}`},
		{name: "empty body", raw: `{}`},
	}

	a := &MpesaAdapter{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ParseCallback([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedCallback) {
				t.Errorf("expected ErrMalformedCallback, got %v", err)
			}
		})
	}
}

func TestNormalizeMsisdn(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0712345678", "254712345678"},
		{"+254712345678", "254712345678"},
		{"254712345678", "254712345678"},
	}

	for _, tt := range tests {
		if got := NormalizeMsisdn(tt.input); got != tt.expected {
			t.Errorf("NormalizeMsisdn(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

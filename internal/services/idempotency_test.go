package services

import (
	"context"
	"encoding/json"
	"testing"
)

func TestIdempotencyReserveCompleteReplay(t *testing.T) {
	store := NewMemoryIdempotency()
	ctx := context.Background()

	res, err := store.Reserve(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != ReservationAcquired {
		t.Fatalf("first reserve state = %s, want acquired", res.State)
	}

	// A concurrent reserve while in flight must not acquire
	res, err = store.Reserve(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != ReservationInFlight {
		t.Fatalf("second reserve state = %s, want in_flight", res.State)
	}

	if err := store.Complete(ctx, "op-1", map[string]string{"result": "done"}); err != nil {
		t.Fatal(err)
	}

	res, err = store.Reserve(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != ReservationCompleted {
		t.Fatalf("post-complete reserve state = %s, want completed", res.State)
	}
	var recorded map[string]string
	if err := json.Unmarshal(res.Result, &recorded); err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if recorded["result"] != "done" {
		t.Errorf("recorded result = %q, want done", recorded["result"])
	}
}

func TestIdempotencyReleaseAllowsRetry(t *testing.T) {
	store := NewMemoryIdempotency()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "op-2"); err != nil {
		t.Fatal(err)
	}
	if err := store.Release(ctx, "op-2"); err != nil {
		t.Fatal(err)
	}

	res, err := store.Reserve(ctx, "op-2")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != ReservationAcquired {
		t.Fatalf("reserve after release state = %s, want acquired", res.State)
	}
}

func TestIdempotencyReleaseNeverDropsCompletion(t *testing.T) {
	store := NewMemoryIdempotency()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "op-3"); err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(ctx, "op-3", "x"); err != nil {
		t.Fatal(err)
	}
	if err := store.Release(ctx, "op-3"); err != nil {
		t.Fatal(err)
	}

	res, err := store.Reserve(ctx, "op-3")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != ReservationCompleted {
		t.Fatalf("state after release of completed key = %s, want completed", res.State)
	}
}

package book

import (
	"testing"
	"time"
)

func validBill() Bill {
	return Bill{
		Account:     "cash",
		Category:    "food",
		AmountMinor: 1250,
		Currency:    "USD",
		Direction:   DirectionExpense,
		BilledAt:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Included:    true,
	}
}

func TestBillValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Bill)
		wantErr bool
	}{
		{"valid expense", func(b *Bill) {}, false},
		{"valid income", func(b *Bill) { b.Direction = DirectionIncome }, false},
		{"valid transfer", func(b *Bill) { b.Direction = DirectionTransfer; b.PairID = 7 }, false},
		{"zero amount", func(b *Bill) { b.AmountMinor = 0 }, false},
		{"negative amount representable", func(b *Bill) { b.AmountMinor = -500 }, false},
		{"unknown direction", func(b *Bill) { b.Direction = "sideways" }, true},
		{"empty currency", func(b *Bill) { b.Currency = "" }, true},
		{"unknown currency", func(b *Bill) { b.Currency = "XYZ" }, true},
		{"zero billedAt", func(b *Bill) { b.BilledAt = time.Time{} }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := validBill()
			tc.mutate(&b)
			err := b.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected an error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBillAmount(t *testing.T) {
	b := validBill()
	amt, err := b.Amount()
	if err != nil {
		t.Fatalf("Amount: %v", err)
	}
	minor, ok := amt.MinorUnits()
	if !ok || minor != 1250 {
		t.Fatalf("minor units = %d (ok=%v), want 1250", minor, ok)
	}
}

func TestScopeKey(t *testing.T) {
	personal := Scope{BookID: "diary", Kind: ScopePersonal, OwnerID: 42}
	if personal.Key() != 42 {
		t.Fatalf("personal key = %d, want owner id", personal.Key())
	}
	shared := Scope{BookID: "7", Kind: ScopeShared, OwnerID: 42}
	if shared.Key() != SharedScopeKey {
		t.Fatalf("shared key = %d, want sentinel %d", shared.Key(), SharedScopeKey)
	}
}

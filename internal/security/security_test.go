package security

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 8, 14, 12, 0, 0, 0, time.UTC)

func validSpec() Spec {
	return Spec{ID: "ACME-A", QuotedPrice: d(12.5), Currency: "GBP", TotalUnits: 1000, IssuedUnits: 400, PricingMode: model.PricingAutomatic}
}

func TestNew_Valid(t *testing.T) {
	sec, err := New(validSpec(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sec.AvailableUnits != 600 || sec.IssuedUnits != 400 || sec.ReservedUnits != 0 {
		t.Errorf("unexpected pools: %+v", sec)
	}

	spec := validSpec()
	spec.PricingMode = ""
	sec, _ = New(spec, now)
	if sec.PricingMode != model.PricingManual {
		t.Errorf("expected default manual mode, got %s", sec.PricingMode)
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Spec)
		want   error
	}{
		{"lowercase id", func(s *Spec) { s.ID = "acme" }, ErrInvalidID},
		{"single char id", func(s *Spec) { s.ID = "A" }, ErrInvalidID},
		{"leading dash", func(s *Spec) { s.ID = "-ACME" }, ErrInvalidID},
		{"currency", func(s *Spec) { s.Currency = "pounds" }, ErrInvalidCurrency},
		{"mode", func(s *Spec) { s.PricingMode = "auction" }, ErrInvalidMode},
		{"zero price", func(s *Spec) { s.QuotedPrice = decimal.Zero }, ErrInvalidPrice},
		{"over-issued", func(s *Spec) { s.IssuedUnits = 1001 }, ErrInvalidUnits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			if _, err := New(spec, now); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMutators(t *testing.T) {
	sec, _ := New(validSpec(), now)

	steps := []struct {
		name                        string
		apply                       func(*model.Security) error
		available, reserved, issued int64
	}{
		{"reserve", Reserve(100), 500, 100, 400},
		{"issue", IssueReserved(60), 500, 40, 460},
		{"revoke", RevokeReserved(10), 500, 50, 450},
		{"buyback", ReturnToMarket(50), 550, 50, 400},
	}
	for _, s := range steps {
		if err := s.apply(sec); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if sec.AvailableUnits != s.available || sec.ReservedUnits != s.reserved || sec.IssuedUnits != s.issued {
			t.Errorf("%s: got available=%d reserved=%d issued=%d", s.name, sec.AvailableUnits, sec.ReservedUnits, sec.IssuedUnits)
		}
	}
}

func TestMutators_RejectIntegrityViolations(t *testing.T) {
	sec, _ := New(validSpec(), now)

	if err := IssueReserved(1)(sec); !errors.Is(err, model.ErrIntegrity) {
		t.Errorf("issuing from an empty reserve: expected ErrIntegrity, got %v", err)
	}
	sec, _ = New(validSpec(), now)
	if err := ReturnToMarket(401)(sec); !errors.Is(err, model.ErrIntegrity) {
		t.Errorf("buying back more than issued: expected ErrIntegrity, got %v", err)
	}
	sec, _ = New(validSpec(), now)
	if err := Reserve(0)(sec); !errors.Is(err, model.ErrIntegrity) {
		t.Errorf("zero quantity: expected ErrIntegrity, got %v", err)
	}
}

func TestCheckUnits(t *testing.T) {
	sec := &model.Security{ID: "X1", TotalUnits: 10, AvailableUnits: 5, ReservedUnits: 3, IssuedUnits: 2}
	if err := CheckUnits(sec); err != nil {
		t.Errorf("balanced pools rejected: %v", err)
	}
	sec.IssuedUnits = 3
	if err := CheckUnits(sec); !errors.Is(err, model.ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

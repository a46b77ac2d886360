package pricing

import (
	"errors"
	"testing"

	"github.com/sharevault/trading-engine/internal/model"
)

func TestValidateSettings(t *testing.T) {
	valid := func() model.PricingSettings {
		return model.PricingSettings{
			SecurityID:               "ACME",
			Enabled:                  true,
			UpdateIntervalHours:      24,
			LookbackPeriod:           model.LookbackDaily,
			SensitivityScale:         d(1),
			MaxPercentChangePerCycle: d(10),
			PriceFloor:               d(1),
		}
	}
	if err := ValidateSettings(valid()); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*model.PricingSettings)
	}{
		{"no security", func(s *model.PricingSettings) { s.SecurityID = "" }},
		{"zero interval", func(s *model.PricingSettings) { s.UpdateIntervalHours = 0 }},
		{"unknown lookback", func(s *model.PricingSettings) { s.LookbackPeriod = "fortnightly" }},
		{"negative sensitivity", func(s *model.PricingSettings) { s.SensitivityScale = d(-1) }},
		{"zero cap", func(s *model.PricingSettings) { s.MaxPercentChangePerCycle = d(0) }},
		{"zero floor", func(s *model.PricingSettings) { s.PriceFloor = d(0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			if err := ValidateSettings(s); !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("expected ErrInvalidSettings, got %v", err)
			}
		})
	}
}

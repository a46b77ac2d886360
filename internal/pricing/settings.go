package pricing

import (
	"errors"
	"fmt"

	"github.com/sharevault/trading-engine/internal/model"
)

// ErrInvalidSettings is returned for pricing settings the engine cannot
// run with.
var ErrInvalidSettings = errors.New("pricing: invalid settings")

// ValidateSettings checks settings before they are stored.
func ValidateSettings(s model.PricingSettings) error {
	switch {
	case s.SecurityID == "":
		return fmt.Errorf("%w: security_id is required", ErrInvalidSettings)
	case s.UpdateIntervalHours < 1:
		return fmt.Errorf("%w: update_interval_hours must be at least 1, got %d", ErrInvalidSettings, s.UpdateIntervalHours)
	case s.LookbackPeriod.Duration() == 0:
		return fmt.Errorf("%w: unknown lookback_period %q", ErrInvalidSettings, s.LookbackPeriod)
	case s.SensitivityScale.IsNegative():
		return fmt.Errorf("%w: sensitivity_scale must not be negative", ErrInvalidSettings)
	case !s.MaxPercentChangePerCycle.IsPositive():
		return fmt.Errorf("%w: max_percent_change_per_cycle must be positive", ErrInvalidSettings)
	case !s.PriceFloor.IsPositive():
		return fmt.Errorf("%w: price_floor must be positive", ErrInvalidSettings)
	}
	return nil
}

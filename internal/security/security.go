// Package security handles security setup and the unit-count integrity
// checks every mutation of a security must pass.
//
// Units live in exactly one of three pools:
//
//	available  open-market pool, bought back into by settlement
//	reserved   carved out for non-market issuance
//	issued     held by investors
//
// and available + reserved + issued == total at all times. A mutation that
// would break this is rejected with model.ErrIntegrity and never applied.
package security

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/model"
	"github.com/sharevault/trading-engine/internal/store"
)

// idRegex matches security identifiers: upper-case alphanumerics with
// dashes or underscores, 2 to 32 characters, starting alphanumeric.
var idRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{1,31}$`)

// currencyRegex matches ISO-4217-shaped codes.
var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

var (
	ErrInvalidID       = errors.New("security: invalid identifier")
	ErrInvalidCurrency = errors.New("security: invalid currency code")
	ErrInvalidMode     = errors.New("security: unsupported pricing mode")
	ErrInvalidPrice    = errors.New("security: quoted price must be positive")
	ErrInvalidUnits    = errors.New("security: invalid unit counts")
)

// Spec describes a security to create. Units not issued to investors start
// in the available pool; reserves are carved out later.
type Spec struct {
	ID          string            `json:"id"`
	QuotedPrice decimal.Decimal   `json:"quoted_price"`
	Currency    string            `json:"currency"`
	TotalUnits  int64             `json:"total_units"`
	IssuedUnits int64             `json:"issued_units"`
	PricingMode model.PricingMode `json:"pricing_mode"`
}

// New validates spec and builds the security it describes.
func New(spec Spec, now time.Time) (*model.Security, error) {
	mode := spec.PricingMode
	if mode == "" {
		mode = model.PricingManual
	}
	sec := &model.Security{
		ID:             spec.ID,
		QuotedPrice:    spec.QuotedPrice,
		Currency:       spec.Currency,
		TotalUnits:     spec.TotalUnits,
		AvailableUnits: spec.TotalUnits - spec.IssuedUnits,
		IssuedUnits:    spec.IssuedUnits,
		PricingMode:    mode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := Validate(sec); err != nil {
		return nil, err
	}
	return sec, nil
}

// Validate checks a security's fields and unit invariant.
func Validate(sec *model.Security) error {
	if !idRegex.MatchString(sec.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, sec.ID)
	}
	if !currencyRegex.MatchString(sec.Currency) {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, sec.Currency)
	}
	if sec.PricingMode != model.PricingManual && sec.PricingMode != model.PricingAutomatic {
		return fmt.Errorf("%w: %q", ErrInvalidMode, sec.PricingMode)
	}
	if !sec.QuotedPrice.IsPositive() {
		return ErrInvalidPrice
	}
	if err := CheckUnits(sec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUnits, err)
	}
	return nil
}

// CheckUnits verifies every pool is non-negative and the pools sum to the
// total.
func CheckUnits(sec *model.Security) error {
	if sec.TotalUnits < 0 || sec.AvailableUnits < 0 || sec.ReservedUnits < 0 || sec.IssuedUnits < 0 {
		return fmt.Errorf("security %s has negative units (total=%d available=%d reserved=%d issued=%d): %w",
			sec.ID, sec.TotalUnits, sec.AvailableUnits, sec.ReservedUnits, sec.IssuedUnits, model.ErrIntegrity)
	}
	if sum := sec.AvailableUnits + sec.ReservedUnits + sec.IssuedUnits; sum != sec.TotalUnits {
		return fmt.Errorf("security %s units sum to %d, total is %d: %w",
			sec.ID, sum, sec.TotalUnits, model.ErrIntegrity)
	}
	return nil
}

// move returns a mutator that shifts qty units between pools and rejects
// the result if it breaks the invariant.
func move(op string, qty int64, shift func(sec *model.Security)) store.SecurityMutator {
	return func(sec *model.Security) error {
		if qty <= 0 {
			return fmt.Errorf("%s of %d units on %s: %w", op, qty, sec.ID, model.ErrIntegrity)
		}
		shift(sec)
		if err := CheckUnits(sec); err != nil {
			slog.Error("integrity check failed", "op", op, "security_id", sec.ID, "quantity", qty, "error", err)
			return err
		}
		return nil
	}
}

// ReturnToMarket moves bought-back units from investors to the open pool.
func ReturnToMarket(qty int64) store.SecurityMutator {
	return move("buyback", qty, func(sec *model.Security) {
		sec.IssuedUnits -= qty
		sec.AvailableUnits += qty
	})
}

// Reserve carves units out of the open pool into the reserve pool.
func Reserve(qty int64) store.SecurityMutator {
	return move("reserve", qty, func(sec *model.Security) {
		sec.AvailableUnits -= qty
		sec.ReservedUnits += qty
	})
}

// IssueReserved hands reserved units to an investor.
func IssueReserved(qty int64) store.SecurityMutator {
	return move("reserve_issue", qty, func(sec *model.Security) {
		sec.ReservedUnits -= qty
		sec.IssuedUnits += qty
	})
}

// RevokeReserved returns a cancelled issuance to the reserve pool.
func RevokeReserved(qty int64) store.SecurityMutator {
	return move("reserve_revoke", qty, func(sec *model.Security) {
		sec.IssuedUnits -= qty
		sec.ReservedUnits += qty
	})
}

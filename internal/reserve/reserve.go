// Package reserve implements the reserve allocation ledger: share pools set
// aside for non-market issuance such as founder or promotional allotments.
//
// Allocating a pool moves units from the open market into the security's
// reserved pool. Issuing draws on that pool only; it never touches
// available units, and a pool's used quantity never exceeds its allocation.
package reserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/sharevault/trading-engine/internal/lock"
	"github.com/sharevault/trading-engine/internal/metrics"
	"github.com/sharevault/trading-engine/internal/model"
	"github.com/sharevault/trading-engine/internal/security"
	"github.com/sharevault/trading-engine/internal/store"
)

var typeRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// Ledger allocates and draws down reserve pools.
type Ledger struct {
	store  store.Store
	locker lock.Locker

	// Now returns the ledger clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

// NewLedger creates a ledger. Mutations of a security's pools run under
// the same per-security lock as settlement.
func NewLedger(st store.Store, locker lock.Locker) *Ledger {
	return &Ledger{
		store:  st,
		locker: locker,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func validate(reserveType string, qty int64) error {
	if !typeRegex.MatchString(reserveType) {
		return model.NewValidationError(model.ConstraintReserveType, 0,
			"reserve type %q must be lower-case letters, digits or underscores", reserveType)
	}
	if qty <= 0 {
		return model.NewValidationError(model.ConstraintQuantity, 0,
			"quantity must be positive, got %d", qty)
	}
	return nil
}

// Allocate grows a reserve pool by qty units taken from the open market.
func (l *Ledger) Allocate(ctx context.Context, securityID, reserveType string, qty int64) (*model.ReserveAllocation, error) {
	if err := validate(reserveType, qty); err != nil {
		return nil, err
	}

	release, err := l.locker.Lock(ctx, lock.SecurityKey(securityID))
	if err != nil {
		return nil, err
	}
	defer release()

	var alloc *model.ReserveAllocation
	err = store.Retry(ctx, "allocate_reserve", func(ctx context.Context) error {
		var err error
		alloc, err = l.store.AllocateReserve(ctx, securityID, reserveType, qty, security.Reserve(qty))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("allocate %d to %s/%s: %w", qty, securityID, reserveType, err)
	}

	slog.Info("reserve allocated",
		"security_id", securityID,
		"reserve_type", reserveType,
		"quantity", qty,
		"allocated", alloc.AllocatedQuantity,
		"used", alloc.UsedQuantity,
	)
	return alloc, nil
}

// Issue draws qty units from a reserve pool for userID. It fails with
// model.ErrReserveExceeded if the pool cannot cover the draw.
func (l *Ledger) Issue(ctx context.Context, securityID, reserveType, userID string, qty int64) (*model.ReserveIssuance, error) {
	if err := validate(reserveType, qty); err != nil {
		return nil, err
	}

	release, err := l.locker.Lock(ctx, lock.SecurityKey(securityID))
	if err != nil {
		return nil, err
	}
	defer release()

	now := l.Now()
	iss := &model.ReserveIssuance{
		ID:          uuid.New().String(),
		SecurityID:  securityID,
		ReserveType: reserveType,
		UserID:      userID,
		Quantity:    qty,
		Status:      model.IssuanceIssued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = store.Retry(ctx, "issue_reserve", func(ctx context.Context) error {
		return l.store.IssueReserve(ctx, iss, security.IssueReserved(qty))
	})
	switch {
	case errors.Is(err, model.ErrReserveExceeded):
		metrics.ReserveIssuances.WithLabelValues(reserveType, "exceeded").Inc()
		return nil, err
	case err != nil:
		metrics.ReserveIssuances.WithLabelValues(reserveType, "error").Inc()
		return nil, fmt.Errorf("issue %d from %s/%s: %w", qty, securityID, reserveType, err)
	}

	metrics.ReserveIssuances.WithLabelValues(reserveType, "issued").Inc()
	slog.Info("reserve issued",
		"issuance_id", iss.ID,
		"security_id", securityID,
		"reserve_type", reserveType,
		"user_id", userID,
		"quantity", qty,
	)
	return iss, nil
}

// Cancel reverses an issuance that has not settled downstream, returning
// its units to the pool. Settled or already cancelled issuances fail with
// model.ErrNotReversible.
func (l *Ledger) Cancel(ctx context.Context, issuanceID string) (*model.ReserveIssuance, error) {
	iss, err := l.store.GetReserveIssuance(ctx, issuanceID)
	if err != nil {
		return nil, err
	}

	release, err := l.locker.Lock(ctx, lock.SecurityKey(iss.SecurityID))
	if err != nil {
		return nil, err
	}
	defer release()

	var out *model.ReserveIssuance
	err = store.Retry(ctx, "cancel_reserve_issuance", func(ctx context.Context) error {
		var err error
		out, err = l.store.UpdateReserveIssuance(ctx, issuanceID, model.IssuanceCancelled, l.Now(), security.RevokeReserved(iss.Quantity))
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.ReserveIssuances.WithLabelValues(iss.ReserveType, "cancelled").Inc()
	slog.Info("reserve issuance cancelled",
		"issuance_id", issuanceID, "security_id", iss.SecurityID, "reserve_type", iss.ReserveType, "quantity", iss.Quantity)
	return out, nil
}

// MarkSettled records downstream settlement of an issuance, after which it
// can no longer be cancelled.
func (l *Ledger) MarkSettled(ctx context.Context, issuanceID string) (*model.ReserveIssuance, error) {
	out, err := l.store.UpdateReserveIssuance(ctx, issuanceID, model.IssuanceSettled, l.Now(), nil)
	if err != nil {
		return nil, err
	}
	slog.Info("reserve issuance settled", "issuance_id", issuanceID)
	return out, nil
}

// Get returns a reserve pool.
func (l *Ledger) Get(ctx context.Context, securityID, reserveType string) (*model.ReserveAllocation, error) {
	return l.store.GetReserve(ctx, securityID, reserveType)
}

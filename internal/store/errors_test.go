package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sharevault/trading-engine/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, model.ErrNotFound},
		{"serialization", &pgconn.PgError{Code: "40001"}, model.ErrTransient},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, model.ErrTransient},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), model.ErrTransient},
		{"duplicate", &pgconn.PgError{Code: "23505"}, model.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.in); !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	plain := errors.New("syntax error")
	if got := classify(plain); got != plain {
		t.Errorf("unrelated errors pass through, got %v", got)
	}
	if classify(nil) != nil {
		t.Error("nil must stay nil")
	}
}

func TestRetry(t *testing.T) {
	old := RetryBase
	RetryBase = time.Millisecond
	t.Cleanup(func() { RetryBase = old })
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("busy: %w", model.ErrTransient)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("expected success on third call, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(ctx, "test", func(context.Context) error {
		calls++
		return model.ErrTransient
	})
	if !errors.Is(err, model.ErrTransient) || calls != MaxRetries+1 {
		t.Errorf("expected %d attempts then ErrTransient, got err=%v calls=%d", MaxRetries+1, err, calls)
	}

	calls = 0
	err = Retry(ctx, "test", func(context.Context) error {
		calls++
		return model.ErrInsufficientFunds
	})
	if !errors.Is(err, model.ErrInsufficientFunds) || calls != 1 {
		t.Errorf("permanent errors are not retried, got err=%v calls=%d", err, calls)
	}
}

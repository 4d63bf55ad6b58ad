// Package ledger enforces per-workspace credit quotas with a two-phase
// reserve then finalize or release protocol.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"genpipeline/internal/cache"
	"genpipeline/internal/domain"
	"genpipeline/internal/infra"
	"genpipeline/internal/metrics"
)

// Ledger is the CreditLedger. The store is authoritative; the cache only
// serves Balance and is invalidated after every successful mutation.
type Ledger struct {
	store  domain.CreditStore
	cache  cache.BalanceCache
	group  singleflight.Group
	logger infra.Logger
	newID  func() string
}

func New(store domain.CreditStore, balances cache.BalanceCache, logger infra.Logger) *Ledger {
	return &Ledger{
		store:  store,
		cache:  balances,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Reserve holds amount credits for workspaceID. It returns
// domain.ErrQuotaExceeded, with nothing mutated, when the available balance
// is short. A workspace without an account has no credits.
func (l *Ledger) Reserve(ctx context.Context, workspaceID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", domain.NewValidationError("amount", "must be positive")
	}
	reservationID := l.newID()
	acct, err := l.store.Reserve(ctx, reservationID, workspaceID, amount)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = domain.ErrQuotaExceeded
		}
		metrics.CreditOperations.WithLabelValues("reserve", resultLabel(err)).Inc()
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return "", err
		}
		return "", fmt.Errorf("reserve credits: %w", err)
	}
	metrics.CreditOperations.WithLabelValues("reserve", "ok").Inc()
	l.invalidate(ctx, acct)
	return reservationID, nil
}

// Finalize consumes a held reservation. Repeating it is a no-op.
func (l *Ledger) Finalize(ctx context.Context, reservationID string) error {
	return l.settle(ctx, "finalize", reservationID, l.store.Finalize)
}

// Release returns a held reservation to the available balance. Repeating it
// is a no-op.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	return l.settle(ctx, "release", reservationID, l.store.Release)
}

func (l *Ledger) settle(ctx context.Context, op, reservationID string, fn func(context.Context, string) (*domain.Reservation, *domain.CreditAccount, error)) error {
	res, acct, err := fn(ctx, reservationID)
	metrics.CreditOperations.WithLabelValues(op, resultLabel(err)).Inc()
	if err != nil {
		if errors.Is(err, domain.ErrReservationSettled) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%s reservation: %w", op, err)
	}
	if acct != nil {
		l.invalidate(ctx, acct)
		l.logger.Debug().
			Str("reservation_id", reservationID).
			Str("workspace_id", res.WorkspaceID).
			Int64("amount", res.Amount).
			Msgf("ledger: %s", op)
	}
	return nil
}

// Grant adds amount credits, creating the account when needed. A negative
// amount debits and fails with domain.ErrQuotaExceeded if it would dip below
// the reserved credits.
func (l *Ledger) Grant(ctx context.Context, workspaceID string, amount int64) (*domain.CreditAccount, error) {
	if amount == 0 {
		return nil, domain.NewValidationError("amount", "must not be zero")
	}
	acct, err := l.store.Grant(ctx, workspaceID, amount)
	metrics.CreditOperations.WithLabelValues("grant", resultLabel(err)).Inc()
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("grant credits: %w", err)
	}
	l.invalidate(ctx, acct)
	l.logger.Info().Str("workspace_id", workspaceID).Int64("amount", amount).Int64("balance", acct.Balance).Msg("ledger: grant")
	return acct, nil
}

// Balance returns the cached account, loading it from the store on a miss.
// Concurrent misses for one workspace share a single store read. Unknown
// workspaces report an empty account.
func (l *Ledger) Balance(ctx context.Context, workspaceID string) (*domain.CreditAccount, error) {
	if l.cache != nil {
		acct, hit, err := l.cache.Get(ctx, workspaceID)
		switch {
		case err != nil:
			metrics.BalanceCacheLookups.WithLabelValues("error").Inc()
			l.logger.Warn().Err(err).Str("workspace_id", workspaceID).Msg("ledger: balance cache read failed")
		case hit:
			metrics.BalanceCacheLookups.WithLabelValues("hit").Inc()
			return acct, nil
		default:
			metrics.BalanceCacheLookups.WithLabelValues("miss").Inc()
		}
	}

	v, err, _ := l.group.Do(workspaceID, func() (any, error) {
		acct, err := l.store.GetAccount(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		if l.cache != nil {
			if _, err := l.cache.Fill(ctx, acct); err != nil {
				l.logger.Warn().Err(err).Str("workspace_id", workspaceID).Msg("ledger: balance cache fill failed")
			}
		}
		return acct, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.CreditAccount{WorkspaceID: workspaceID}, nil
		}
		return nil, fmt.Errorf("load balance: %w", err)
	}
	acct := *v.(*domain.CreditAccount)
	return &acct, nil
}

// Reservation exposes a reservation for operator inspection.
func (l *Ledger) Reservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	return l.store.GetReservation(ctx, reservationID)
}

func (l *Ledger) invalidate(ctx context.Context, acct *domain.CreditAccount) {
	if l.cache == nil || acct == nil {
		return
	}
	if err := l.cache.Invalidate(ctx, acct.WorkspaceID, acct.Version); err != nil {
		l.logger.Warn().Err(err).Str("workspace_id", acct.WorkspaceID).Msg("ledger: balance cache invalidate failed")
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, domain.ErrReservationSettled):
		return "settled"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

package repo

import (
	"context"

	"genpipeline/internal/domain"
	"genpipeline/internal/infra"
	"genpipeline/internal/sqlinline"
)

// CreditRepositoryPG implements domain.CreditStore on PostgreSQL. Every
// mutation is a single statement so concurrent reservations for one
// workspace serialise on the account row.
type CreditRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewCreditRepository(sql infra.SQLExecutor) *CreditRepositoryPG {
	return &CreditRepositoryPG{sql: sql}
}

func (r *CreditRepositoryPG) GetAccount(ctx context.Context, workspaceID string) (*domain.CreditAccount, error) {
	acct, err := scanAccount(r.sql.QueryRow(ctx, sqlinline.QSelectCreditAccount, workspaceID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return acct, nil
}

func (r *CreditRepositoryPG) Grant(ctx context.Context, workspaceID string, amount int64) (*domain.CreditAccount, error) {
	acct, err := scanAccount(r.sql.QueryRow(ctx, sqlinline.QGrantCredits, workspaceID, amount))
	if err != nil {
		if infra.IsNoRows(err) {
			// the upsert guard refused a debit below the reserved amount
			return nil, domain.ErrQuotaExceeded
		}
		return nil, err
	}
	return acct, nil
}

func (r *CreditRepositoryPG) Reserve(ctx context.Context, reservationID, workspaceID string, amount int64) (*domain.CreditAccount, error) {
	acct, err := scanAccount(r.sql.QueryRow(ctx, sqlinline.QReserveCredits, reservationID, workspaceID, amount))
	if err == nil {
		return acct, nil
	}
	if !infra.IsNoRows(err) {
		return nil, err
	}
	if _, getErr := r.GetAccount(ctx, workspaceID); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrQuotaExceeded
}

func (r *CreditRepositoryPG) Finalize(ctx context.Context, reservationID string) (*domain.Reservation, *domain.CreditAccount, error) {
	return r.settle(ctx, reservationID, domain.ReservationFinalized)
}

func (r *CreditRepositoryPG) Release(ctx context.Context, reservationID string) (*domain.Reservation, *domain.CreditAccount, error) {
	return r.settle(ctx, reservationID, domain.ReservationReleased)
}

func (r *CreditRepositoryPG) settle(ctx context.Context, reservationID string, target domain.ReservationState) (*domain.Reservation, *domain.CreditAccount, error) {
	acct, err := scanAccount(r.sql.QueryRow(ctx, sqlinline.QSettleReservation, reservationID, string(target)))
	if err != nil && !infra.IsNoRows(err) {
		return nil, nil, err
	}
	res, getErr := r.GetReservation(ctx, reservationID)
	if getErr != nil {
		return nil, nil, getErr
	}
	if err == nil {
		return res, acct, nil
	}
	if res.State == target {
		return res, nil, nil
	}
	return res, nil, domain.ErrReservationSettled
}

func (r *CreditRepositoryPG) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	var (
		res   domain.Reservation
		state string
	)
	err := r.sql.QueryRow(ctx, sqlinline.QSelectReservation, reservationID).Scan(
		&res.ID,
		&res.WorkspaceID,
		&res.Amount,
		&state,
		&res.CreatedAt,
		&res.SettledAt,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	res.State = domain.ReservationState(state)
	return &res, nil
}

func scanAccount(row rowScanner) (*domain.CreditAccount, error) {
	var a domain.CreditAccount
	if err := row.Scan(&a.WorkspaceID, &a.Balance, &a.Reserved, &a.Version, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

var _ domain.CreditStore = (*CreditRepositoryPG)(nil)

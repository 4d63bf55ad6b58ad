package domain

import (
	"context"
	"time"
)

// TaskStore is the durable record of generation tasks. Transition is a
// compare-and-set on status and returns ErrConflict when the stored status
// differs from from.
type TaskStore interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, taskID string) (*Task, error)
	Transition(ctx context.Context, taskID string, from, to TaskStatus, patch TaskPatch) (*Task, error)
	RequestCancel(ctx context.Context, taskID string) (*Task, error)
	ListQueued(ctx context.Context, limit int) ([]string, error)
}

// CreditStore holds balances and reservations. Every method is atomic at the
// store layer.
type CreditStore interface {
	GetAccount(ctx context.Context, workspaceID string) (*CreditAccount, error)
	Grant(ctx context.Context, workspaceID string, amount int64) (*CreditAccount, error)
	Reserve(ctx context.Context, reservationID, workspaceID string, amount int64) (*CreditAccount, error)
	Finalize(ctx context.Context, reservationID string) (*Reservation, *CreditAccount, error)
	Release(ctx context.Context, reservationID string) (*Reservation, *CreditAccount, error)
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)
}

// AssetStore holds upload assets. TransitionAsset is a compare-and-set on the
// storage status.
type AssetStore interface {
	CreateAsset(ctx context.Context, asset *Asset) error
	GetAsset(ctx context.Context, assetID string) (*Asset, error)
	TransitionAsset(ctx context.Context, assetID string, from, to StorageStatus, patch AssetPatch) (*Asset, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error)
}

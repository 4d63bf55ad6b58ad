package domain

import "time"

// CreditAccount is the authoritative per-workspace balance.
type CreditAccount struct {
	WorkspaceID string
	Balance     int64
	Reserved    int64
	Version     int64
	UpdatedAt   time.Time
}

// Available returns the credits not held by in-flight reservations.
func (a CreditAccount) Available() int64 {
	return a.Balance - a.Reserved
}

// ReservationState enumerates reservation outcomes.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationFinalized ReservationState = "finalized"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a temporary hold on credits pending a task outcome.
type Reservation struct {
	ID          string
	WorkspaceID string
	Amount      int64
	State       ReservationState
	CreatedAt   time.Time
	SettledAt   *time.Time
}

package memstore

import (
	"context"
	"sync"
	"time"

	"genpipeline/internal/domain"
)

// CreditStore implements domain.CreditStore in memory.
type CreditStore struct {
	mu           sync.Mutex
	accounts     map[string]*domain.CreditAccount
	reservations map[string]*domain.Reservation
	now          func() time.Time
}

// NewCreditStore creates an empty CreditStore.
func NewCreditStore() *CreditStore {
	return &CreditStore{
		accounts:     make(map[string]*domain.CreditAccount),
		reservations: make(map[string]*domain.Reservation),
		now:          time.Now,
	}
}

func (s *CreditStore) GetAccount(ctx context.Context, workspaceID string) (*domain.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[workspaceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *CreditStore) Grant(ctx context.Context, workspaceID string, amount int64) (*domain.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[workspaceID]
	if !ok {
		a = &domain.CreditAccount{WorkspaceID: workspaceID}
		s.accounts[workspaceID] = a
	}
	if a.Balance+amount < a.Reserved {
		return nil, domain.ErrQuotaExceeded
	}
	a.Balance += amount
	a.Version++
	a.UpdatedAt = s.now()
	cp := *a
	return &cp, nil
}

func (s *CreditStore) Reserve(ctx context.Context, reservationID, workspaceID string, amount int64) (*domain.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[workspaceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if a.Available() < amount {
		return nil, domain.ErrQuotaExceeded
	}
	if _, dup := s.reservations[reservationID]; dup {
		return nil, domain.ErrConflict
	}
	a.Reserved += amount
	a.Version++
	a.UpdatedAt = s.now()
	s.reservations[reservationID] = &domain.Reservation{
		ID:          reservationID,
		WorkspaceID: workspaceID,
		Amount:      amount,
		State:       domain.ReservationHeld,
		CreatedAt:   s.now(),
	}
	cp := *a
	return &cp, nil
}

func (s *CreditStore) Finalize(ctx context.Context, reservationID string) (*domain.Reservation, *domain.CreditAccount, error) {
	return s.settle(reservationID, domain.ReservationFinalized)
}

func (s *CreditStore) Release(ctx context.Context, reservationID string) (*domain.Reservation, *domain.CreditAccount, error) {
	return s.settle(reservationID, domain.ReservationReleased)
}

func (s *CreditStore) settle(reservationID string, target domain.ReservationState) (*domain.Reservation, *domain.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	if r.State == target {
		cp := *r
		return &cp, nil, nil
	}
	if r.State != domain.ReservationHeld {
		cp := *r
		return &cp, nil, domain.ErrReservationSettled
	}
	a := s.accounts[r.WorkspaceID]
	if target == domain.ReservationFinalized {
		a.Balance -= r.Amount
	}
	a.Reserved -= r.Amount
	a.Version++
	a.UpdatedAt = s.now()
	now := s.now()
	r.State = target
	r.SettledAt = &now
	rc, ac := *r, *a
	return &rc, &ac, nil
}

func (s *CreditStore) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

var _ domain.CreditStore = (*CreditStore)(nil)

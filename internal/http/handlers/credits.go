package handlers

import (
	"net/http"
	"time"
)

type creditsResponse struct {
	WorkspaceID string    `json:"workspaceId"`
	Balance     int64     `json:"balance"`
	Reserved    int64     `json:"reserved"`
	Available   int64     `json:"available"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// Credits reports the workspace balance from the balance cache.
func (a *App) Credits(w http.ResponseWriter, r *http.Request) {
	acct, err := a.Ledger.Balance(r.Context(), workspace(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, creditsResponse{
		WorkspaceID: acct.WorkspaceID,
		Balance:     acct.Balance,
		Reserved:    acct.Reserved,
		Available:   acct.Available(),
		UpdatedAt:   acct.UpdatedAt,
	})
}

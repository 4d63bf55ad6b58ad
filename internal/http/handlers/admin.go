package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"genpipeline/internal/domain"
)

type retryResponse struct {
	NewTaskID    string            `json:"newTaskId"`
	Status       domain.TaskStatus `json:"status"`
	Cost         int64             `json:"cost"`
	ParentTaskID string            `json:"parentTaskId"`
}

type reservationView struct {
	ID        string                  `json:"id"`
	Amount    int64                   `json:"amount"`
	State     domain.ReservationState `json:"state"`
	CreatedAt time.Time               `json:"createdAt"`
	SettledAt *time.Time              `json:"settledAt,omitempty"`
}

// taskDetailResponse is the operator view; unlike the end-user view it
// carries the verbatim failure message.
type taskDetailResponse struct {
	TaskID          string            `json:"taskId"`
	WorkspaceID     string            `json:"workspaceId"`
	Kind            domain.TaskKind   `json:"kind"`
	Status          domain.TaskStatus `json:"status"`
	Progress        int               `json:"progress"`
	RetryCount      int               `json:"retryCount"`
	ErrorMessage    *string           `json:"errorMessage,omitempty"`
	ResultRefs      []string          `json:"resultRefs,omitempty"`
	Params          json.RawMessage   `json:"params"`
	Cost            int64             `json:"cost"`
	ParentTaskID    *string           `json:"parentTaskId,omitempty"`
	CancelRequested bool              `json:"cancelRequested"`
	CreatedAt       time.Time         `json:"createdAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Reservation     *reservationView  `json:"reservation,omitempty"`
}

// AdminRetryTask resubmits a failed task as a new task.
func (a *App) AdminRetryTask(w http.ResponseWriter, r *http.Request) {
	parent := chi.URLParam(r, "id")
	res, err := a.Gateway.Resubmit(r.Context(), parent)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, retryResponse{
		NewTaskID:    res.TaskID,
		Status:       res.Status,
		Cost:         res.Cost,
		ParentTaskID: parent,
	})
}

func (a *App) AdminInspectTask(w http.ResponseWriter, r *http.Request) {
	detail, err := a.Gateway.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	t := detail.Task
	resp := taskDetailResponse{
		TaskID:          t.ID,
		WorkspaceID:     t.WorkspaceID,
		Kind:            t.Kind,
		Status:          t.Status,
		Progress:        t.Progress,
		RetryCount:      t.RetryCount,
		ErrorMessage:    t.ErrorMessage,
		ResultRefs:      t.ResultRefs,
		Params:          t.Params,
		Cost:            t.Cost,
		ParentTaskID:    t.ParentTaskID,
		CancelRequested: t.CancelRequested,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if res := detail.Reservation; res != nil {
		resp.Reservation = &reservationView{
			ID:        res.ID,
			Amount:    res.Amount,
			State:     res.State,
			CreatedAt: res.CreatedAt,
			SettledAt: res.SettledAt,
		}
	}
	a.json(w, http.StatusOK, resp)
}

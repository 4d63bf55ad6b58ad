package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"genpipeline/internal/domain"
	"genpipeline/internal/gateway"
	"genpipeline/pkg/zip"
)

type submitTaskRequest struct {
	Kind   domain.TaskKind `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// taskResponse adds localized text to a snapshot. ErrorMessage is the
// sanitised failure text and is set only for failed tasks.
type taskResponse struct {
	*gateway.TaskSnapshot
	ErrorMessage string `json:"errorMessage,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (a *App) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.Gateway.Submit(r.Context(), workspace(r), req.Kind, req.Params)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/tasks/"+res.TaskID)
	a.json(w, http.StatusAccepted, res)
}

func (a *App) TaskStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Gateway.GetStatus(r.Context(), workspace(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, a.taskResponse(r, snap))
}

func (a *App) CancelTask(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Gateway.Cancel(r.Context(), workspace(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, a.taskResponse(r, snap))
}

// TaskResults downloads the artifacts of a completed task as one zip file.
func (a *App) TaskResults(w http.ResponseWriter, r *http.Request) {
	if a.Blobs == nil {
		a.error(w, r, http.StatusNotFound, codeNotSupported)
		return
	}
	snap, err := a.Gateway.GetStatus(r.Context(), workspace(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if snap.Status != domain.TaskStatusCompleted {
		a.error(w, r, http.StatusConflict, codeResultsNotReady)
		return
	}

	assets := make([]zip.Asset, 0, len(snap.ResultRefs))
	for _, ref := range snap.ResultRefs {
		data, info, err := a.Blobs.Read(r.Context(), ref)
		if err != nil {
			a.Logger.Error().Err(err).Str("task_id", snap.TaskID).Str("ref", ref).Msg("handlers: read artifact failed")
			a.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrTransientStorage, err))
			return
		}
		assets = append(assets, zip.Asset{Filename: ref, MIME: info.ContentType, Data: data, Modified: info.UpdatedAt})
	}
	archive, err := zip.ArchiveAssets(assets)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, snap.TaskID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (a *App) taskResponse(r *http.Request, snap *gateway.TaskSnapshot) taskResponse {
	resp := taskResponse{TaskSnapshot: snap}
	if snap.Status == domain.TaskStatusFailed {
		code := snap.ErrorCode
		if code == "" {
			code = domain.EventFailed
		}
		resp.ErrorMessage = localize(r, code)
		resp.Message = resp.ErrorMessage
		return resp
	}
	resp.Message = localize(r, statusCode(snap.Status))
	return resp
}

// statusCode is the message code describing a task that has no failure.
func statusCode(s domain.TaskStatus) string {
	switch s {
	case domain.TaskStatusQueued:
		return domain.EventQueued
	case domain.TaskStatusProcessing:
		return domain.EventGenerating
	case domain.TaskStatusCompleted:
		return domain.EventCompleted
	case domain.TaskStatusFailed:
		return domain.EventFailed
	}
	return ""
}

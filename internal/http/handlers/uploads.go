package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"genpipeline/internal/uploads"
)

func (a *App) PrepareUpload(w http.ResponseWriter, r *http.Request) {
	var req uploads.PrepareRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.Uploads.Prepare(r.Context(), workspace(r), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, res)
}

// ConfirmUpload is idempotent: repeating it for a committed asset reports the
// stored result again.
func (a *App) ConfirmUpload(w http.ResponseWriter, r *http.Request) {
	var req uploads.ConfirmRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := uploads.ConfirmWithRetry(r.Context(), a.Uploads, workspace(r), req, a.ConfirmPlan)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}

// UploadBlob receives the object body for a filesystem-backed upload
// credential. The token carries the destination key and size limit.
func (a *App) UploadBlob(w http.ResponseWriter, r *http.Request) {
	if a.Files == nil {
		a.error(w, r, http.StatusNotFound, codeNotSupported)
		return
	}
	info, err := a.Files.AcceptUpload(r.Context(), chi.URLParam(r, "token"), r.Body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", `"`+info.MD5+`"`)
	w.WriteHeader(http.StatusOK)
}

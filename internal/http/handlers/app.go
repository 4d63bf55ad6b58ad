package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"genpipeline/internal/domain"
	"genpipeline/internal/gateway"
	"genpipeline/internal/infra"
	"genpipeline/internal/ledger"
	"genpipeline/internal/middleware"
	"genpipeline/internal/retry"
	"genpipeline/internal/storage"
	"genpipeline/internal/uploads"
)

const maxJSONBody = 1 << 20

// App carries the dependencies shared by the HTTP handlers.
type App struct {
	Gateway *gateway.Gateway
	Uploads *uploads.Protocol
	Ledger  *ledger.Ledger
	// Files accepts direct uploads when blobs live on the local filesystem.
	// It is nil for the GCS backend, whose clients PUT to signed URLs.
	Files *storage.FileStore
	// Blobs serves generated artifacts for download.
	Blobs       storage.BlobStore
	ConfirmPlan retry.Policy
	Checks      map[string]HealthCheck
	Logger      infra.Logger
}

func NewApp(gw *gateway.Gateway, up *uploads.Protocol, l *ledger.Ledger, files *storage.FileStore, logger infra.Logger) *App {
	plan := retry.DefaultPolicy()
	plan.BaseDelay /= 10
	plan.MaxDelay /= 10
	app := &App{
		Gateway:     gw,
		Uploads:     up,
		Ledger:      l,
		Files:       files,
		ConfirmPlan: plan,
		Checks:      map[string]HealthCheck{},
		Logger:      logger,
	}
	if files != nil {
		app.Blobs = files
	}
	return app
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (a *App) error(w http.ResponseWriter, r *http.Request, status int, code string) {
	a.json(w, status, map[string]errorBody{"error": {Code: code, Message: localize(r, code)}})
}

// writeError maps a domain error onto the HTTP error envelope. Unexpected
// errors are logged and reported as internal without detail.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		a.json(w, http.StatusUnprocessableEntity, map[string]errorBody{"error": {
			Code:    codeValidationFailed,
			Message: localize(r, codeValidationFailed),
			Fields:  verr.Fields,
		}})
		return
	}

	status, code := classify(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("http: request failed")
	}
	a.error(w, r, status, code)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusPaymentRequired, codeQuotaExceeded
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrReservationSettled):
		return http.StatusConflict, codeConflict
	case errors.Is(err, domain.ErrUploadExpired):
		return http.StatusGone, codeUploadExpired
	case errors.Is(err, domain.ErrUploadFailed):
		return http.StatusConflict, codeUploadFailed
	case errors.Is(err, domain.ErrSizeMismatch):
		return http.StatusUnprocessableEntity, codeSizeMismatch
	case errors.Is(err, domain.ErrIntegrity):
		return http.StatusUnprocessableEntity, codeChecksumMismatch
	case errors.Is(err, domain.ErrTransientStorage):
		return http.StatusServiceUnavailable, codeStorageUnavailable
	case errors.Is(err, storage.ErrInvalidUploadToken):
		return http.StatusForbidden, codeInvalidUploadToken
	case errors.Is(err, storage.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge, codePayloadTooLarge
	}
	return http.StatusInternalServerError, codeInternal
}

// decode reads a JSON body into v, rejecting unknown trailing data.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", "must be a valid JSON object")
	}
	if dec.More() {
		return domain.NewValidationError("body", "must contain a single JSON object")
	}
	return nil
}

func workspace(r *http.Request) string {
	return strings.TrimSpace(middleware.WorkspaceFromContext(r.Context()))
}

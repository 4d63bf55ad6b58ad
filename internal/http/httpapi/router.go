package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"genpipeline/internal/http/handlers"
	"genpipeline/internal/infra"
	"genpipeline/internal/middleware"
)

// Options carries the middleware settings of the router.
type Options struct {
	JWTSecret     string
	CORSOrigins   []string
	DefaultLocale string
	Countries     middleware.CountryLookup
	Limiter       *middleware.IPRateLimiter
	Logger        infra.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
		middleware.I18N(opts.DefaultLocale, opts.Countries),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/metrics", app.Metrics)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	// the signed token in the path is the credential
	r.Put("/v1/uploads/blob/{token}", app.UploadBlob)

	r.Group(func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(middleware.RateLimitWith(opts.Limiter))
		}
		r.Use(middleware.AuthJWT(opts.JWTSecret))

		r.Route("/v1/tasks", func(r chi.Router) {
			r.Post("/", app.SubmitTask)
			r.Get("/{id}", app.TaskStatus)
			r.Get("/{id}/events", app.TaskEvents)
			r.Get("/{id}/ws", app.TaskSocket)
			r.Post("/{id}/cancel", app.CancelTask)
			r.Get("/{id}/results.zip", app.TaskResults)
		})

		r.Route("/v1/uploads", func(r chi.Router) {
			r.Post("/prepare", app.PrepareUpload)
			r.Post("/confirm", app.ConfirmUpload)
		})

		r.Get("/v1/credits", app.Credits)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))
			r.Get("/tasks/{id}", app.AdminInspectTask)
			r.Post("/tasks/{id}/retry", app.AdminRetryTask)
		})
	})

	return r
}

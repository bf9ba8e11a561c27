package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/LeventeLantos/messaging-gateway/internal/auth"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", h.Health)
	r.Post("/v1/admin/login", h.Login)

	// Send permission depends on the service named in the body; the handler
	// checks it.
	r.With(h.authenticate(static(""))).Post("/v1/messages", h.SendMessage)
	r.With(h.authenticate(static("messages:read"))).Get("/v1/messages/sent", h.ListSentMessages)
	r.With(h.authenticate(static("messages:read"))).Get("/v1/messages/{id}", h.GetMessage)

	r.Route("/v1/providers/{service}", func(r chi.Router) {
		r.With(h.authenticate(static("status:read"))).Get("/qr", h.QRCode)
		r.With(h.authenticate(serviceScoped("control"))).Post("/configure", h.Configure)
		r.With(h.authenticate(serviceScoped("control"))).Post("/{action}", h.Control)
	})

	r.With(h.authenticate(static("status:read"))).Get("/v1/status", h.Status)
	r.With(h.authenticate(static("status:read"))).Get("/v1/events", h.Events)

	r.Route("/v1/scheduler", func(r chi.Router) {
		r.Use(h.authenticate(static("scheduler:control")))
		r.Get("/status", h.SchedulerStatus)
		r.Post("/start", h.SchedulerStart)
		r.Post("/stop", h.SchedulerStop)
		r.Post("/run", h.SchedulerRun)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("messaging-gateway"))
	})

	return r
}

type permFunc func(*http.Request) string

func static(perm string) permFunc {
	return func(*http.Request) string { return perm }
}

func serviceScoped(capability string) permFunc {
	return func(r *http.Request) string {
		return chi.URLParam(r, "service") + ":" + capability
	}
}

// authenticate resolves the caller once per request and stores the identity
// on the request context.
func (h *Handler) authenticate(perm permFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, quota, err := h.auth.Authenticate(r, perm(r))
			quota.WriteHeaders(w.Header())
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

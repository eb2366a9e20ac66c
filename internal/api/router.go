package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/pagekeep/taskengine/internal/api/middleware"
)

// RouterDeps bundles the handlers the router mounts.
type RouterDeps struct {
	Tasks     *TaskHandler
	Documents *DocumentHandler
	Watch     *WatchHandler
}

// NewRouter creates and configures the application router with all routes
// and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Apply standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	r.Route("/api", func(r chi.Router) {
		// Task endpoints
		r.Post("/tasks", deps.Tasks.SubmitTask)
		r.Get("/tasks/{id}", deps.Tasks.GetTask)
		r.Get("/tasks/{id}/subtasks", deps.Tasks.ListSubTasks)
		r.Post("/tasks/{id}/cancel", deps.Tasks.CancelTask)
		r.Get("/tasks/{id}/watch", deps.Watch.WatchTask)

		// Document endpoints
		r.Post("/documents", deps.Documents.CreateDocument)
		r.Get("/documents/{id}", deps.Documents.GetDocument)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return r
}

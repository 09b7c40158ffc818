package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(apiHandler.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// Everything else is bound to a browser session
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.SessionMiddleware)

			r.Get("/session", apiHandler.GetSessionHandler)
			r.Post("/login", apiHandler.LoginHandler)
			r.Post("/register", apiHandler.RegisterHandler)
			r.Post("/logout", apiHandler.LogoutHandler)
			r.Post("/admin/unlock", apiHandler.UnlockAdminHandler)

			r.Get("/courses", apiHandler.ListCoursesHandler)
			r.Put("/course", apiHandler.SelectCourseHandler)
			r.Post("/ask", apiHandler.AskHandler)

			r.Get("/documents", apiHandler.ListDocumentsHandler)
			r.Post("/documents", apiHandler.UploadDocumentHandler)
			r.Delete("/documents/{filename}", apiHandler.DeleteDocumentHandler)
			r.Delete("/documents/{course}/{filename}", apiHandler.DeleteDocumentHandler)

			r.Get("/stats/{kind}", apiHandler.StatsHandler)
		})
	})

	return r
}

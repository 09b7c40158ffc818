package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"gwi.com/coursechat/internal/auth"
	"gwi.com/coursechat/internal/backend"
	"gwi.com/coursechat/internal/config"
	"gwi.com/coursechat/internal/core"
	"gwi.com/coursechat/internal/store"
	"gwi.com/coursechat/internal/utils"
)

const (
	SessionCookieName = "coursechat_session"
	maxUploadBytes    = 32 << 20
)

type Deps struct {
	API           core.API
	Store         store.Store
	Options       core.Options
	SessionSecret string
	SessionTTL    time.Duration
	Location      *time.Location
	SecureCookie  bool
	Logger        *zap.Logger
}

type APIHandler struct {
	deps     Deps
	log      *zap.Logger
	validate *validator.Validate
}

func NewAPIHandler(deps Deps) *APIHandler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	deps.Options.Logger = log
	return &APIHandler{
		deps:     deps,
		log:      log.With(zap.String("component", "gateway")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type stateKey struct{}

// SessionMiddleware resolves the session cookie into a stored state, starting a new session when
// the cookie is missing, invalid or points at an expired session.
func (h *APIHandler) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var state *core.State
		if cookie, err := r.Cookie(SessionCookieName); err == nil {
			sid, err := auth.ValidateSessionToken(h.deps.SessionSecret, cookie.Value)
			if err == nil {
				state, err = h.deps.Store.Get(ctx, sid)
				if err != nil {
					h.log.Error("failed to load session", zap.String("session_id", sid), zap.Error(err))
					writeError(w, http.StatusInternalServerError, string(backend.CategoryUnexpected), "Failed to load session")
					return
				}
			}
		}

		if state == nil {
			var err error
			state, err = h.startSession(ctx)
			if err != nil {
				h.log.Error("failed to start session", zap.Error(err))
				writeError(w, http.StatusInternalServerError, string(backend.CategoryUnexpected), "Failed to start session")
				return
			}
			token, err := auth.GenerateSessionToken(h.deps.SessionSecret, state.ID, h.deps.SessionTTL)
			if err != nil {
				h.log.Error("failed to sign session cookie", zap.Error(err))
				writeError(w, http.StatusInternalServerError, string(backend.CategoryUnexpected), "Failed to start session")
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    token,
				Path:     "/",
				HttpOnly: true,
				Secure:   h.deps.SecureCookie,
				SameSite: http.SameSiteLaxMode,
				MaxAge:   int(h.deps.SessionTTL.Seconds()),
			})
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, stateKey{}, state)))
	})
}

// startSession creates a session; static-key deployments are authenticated from the start.
func (h *APIHandler) startSession(ctx context.Context) (*core.State, error) {
	sess := core.NewSession(h.deps.API, h.deps.Options, nil)
	if h.deps.Options.Mode == config.AuthModeAPIKey {
		if err := sess.AuthenticateStatic(); err != nil {
			return nil, err
		}
	}
	state := sess.Snapshot()
	if err := h.deps.Store.Create(ctx, state); err != nil {
		return nil, err
	}
	h.log.Debug("session started", zap.String("session_id", state.ID))
	return state, nil
}

// run executes op against the request's session, persists the state when op changed it, and
// writes the response.
func (h *APIHandler) run(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, s *core.Session) (any, string, error)) {
	state, _ := r.Context().Value(stateKey{}).(*core.State)
	if state == nil {
		writeError(w, http.StatusInternalServerError, string(backend.CategoryUnexpected), "Session missing")
		return
	}

	sess := core.NewSession(h.deps.API, h.deps.Options, state)
	var invalidations []core.Invalidation
	sess.OnInvalidate(func(inv core.Invalidation) { invalidations = append(invalidations, inv) })

	data, msg, opErr := op(r.Context(), sess)

	if len(invalidations) > 0 {
		if err := h.deps.Store.Update(r.Context(), sess.Snapshot()); err != nil {
			if !errors.Is(err, store.ErrVersionConflict) {
				h.log.Error("failed to save session", zap.String("session_id", state.ID), zap.Error(err))
			}
			status, category, text := statusFor(err)
			writeError(w, status, category, text)
			return
		}
	}
	if invalidations == nil {
		invalidations = []core.Invalidation{}
	}

	if opErr != nil {
		status, category, text := statusFor(opErr)
		if status >= http.StatusInternalServerError {
			h.log.Warn("operation failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(opErr))
		}
		w.Header().Set("X-View-Invalidate", joinInvalidations(invalidations))
		writeError(w, status, category, text)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: data, Message: msg, Invalidate: invalidations})
}

func joinInvalidations(in []core.Invalidation) string {
	parts := make([]string, len(in))
	for i, inv := range in {
		parts[i] = string(inv)
	}
	return strings.Join(parts, ",")
}

// decode reads a JSON body into dst and validates it.
func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+" is "+fe.Tag())
	}
	return strings.Join(fields, ", ")
}

type sessionView struct {
	ID             string      `json:"id"`
	Mode           string      `json:"mode"`
	Authenticated  bool        `json:"authenticated"`
	Username       string      `json:"username,omitempty"`
	IsAdmin        bool        `json:"is_admin"`
	MultiCourse    bool        `json:"multi_course"`
	SelectedCourse string      `json:"selected_course,omitempty"`
	Transcript     []core.Turn `json:"transcript"`
}

func viewOf(s *core.Session) sessionView {
	st := s.Snapshot()
	return sessionView{
		ID:             st.ID,
		Mode:           string(s.Mode()),
		Authenticated:  st.Credential.Kind != core.CredentialNone,
		Username:       st.Username,
		IsAdmin:        st.IsAdmin,
		MultiCourse:    s.MultiCourse(),
		SelectedCourse: st.SelectedCourse,
		Transcript:     st.Transcript,
	}
}

func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		return viewOf(s), "", nil
	})
}

type CredentialsRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginHandler logs in with username/password, or re-activates the static key in apikey mode.
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if h.deps.Options.Mode == config.AuthModeAPIKey {
		h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
			if err := s.AuthenticateStatic(); err != nil {
				return nil, "", err
			}
			return viewOf(s), "", nil
		})
		return
	}

	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		if err := s.Login(ctx, req.Username, req.Password); err != nil {
			return nil, "", err
		}
		return viewOf(s), "", nil
	})
}

func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		msg, err := s.Register(ctx, req.Username, req.Password)
		return nil, msg, err
	})
}

func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		s.Logout()
		return viewOf(s), "", nil
	})
}

type UnlockAdminRequest struct {
	Password string `json:"password" validate:"required"`
}

func (h *APIHandler) UnlockAdminHandler(w http.ResponseWriter, r *http.Request) {
	var req UnlockAdminRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		if err := s.UnlockAdmin(req.Password); err != nil {
			return nil, "", err
		}
		return viewOf(s), "Access granted.", nil
	})
}

func (h *APIHandler) ListCoursesHandler(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		courses, err := s.ListCourses(ctx)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"courses": courses, "empty": len(courses) == 0}, "", nil
	})
}

type SelectCourseRequest struct {
	Course string `json:"course" validate:"required"`
}

func (h *APIHandler) SelectCourseHandler(w http.ResponseWriter, r *http.Request) {
	var req SelectCourseRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		changed, err := s.SelectCourse(req.Course)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"selected_course": s.SelectedCourse(), "changed": changed}, "", nil
	})
}

type AskRequest struct {
	Question string `json:"question" validate:"required"`
}

func (h *APIHandler) AskHandler(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		turn, err := s.Ask(ctx, req.Question)
		if err != nil {
			return nil, "", err
		}
		return turn, "", nil
	})
}

func (h *APIHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		idx, err := s.ListDocuments(ctx)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"grouped": idx.Grouped, "documents": idx}, "", nil
	})
}

func (h *APIHandler) UploadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Please attach a file.")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read upload: "+err.Error())
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "application/octet-stream" {
		mimeType = ""
	}

	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		course := r.FormValue("course")
		if course == "" {
			course = s.SelectedCourse()
		}
		msg, err := s.UploadDocument(ctx, course, r.FormValue("doc_name"), content, header.Filename, mimeType)
		return nil, msg, err
	})
}

func (h *APIHandler) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	// URL params arrive already decoded
	course := chi.URLParam(r, "course")
	filename := chi.URLParam(r, "filename")

	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		msg, err := s.DeleteDocument(ctx, course, filename)
		return nil, msg, err
	})
}

type recentQuestionView struct {
	Timestamp        string `json:"timestamp"`
	DisplayTimestamp string `json:"display_timestamp"`
	Course           string `json:"course"`
	Question         string `json:"question"`
	Answer           string `json:"answer"`
}

func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	kind, err := core.ParseStatsKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request", err.Error())
		return
	}

	h.run(w, r, func(ctx context.Context, s *core.Session) (any, string, error) {
		stats, err := s.FetchStats(ctx, kind)
		if err != nil {
			return nil, "", err
		}
		switch kind {
		case core.StatsOverview:
			return stats.Overview, "", nil
		case core.StatsQuestionsByCourse:
			return stats.QuestionsByCourse, "", nil
		default:
			out := make([]recentQuestionView, 0, len(stats.RecentQuestions))
			for _, q := range stats.RecentQuestions {
				out = append(out, recentQuestionView{
					Timestamp:        q.Timestamp,
					DisplayTimestamp: utils.FormatTimestamp(q.Timestamp, h.deps.Location),
					Course:           q.Course,
					Question:         q.Question,
					Answer:           q.Answer,
				})
			}
			return out, "", nil
		}
	})
}

// Package core holds the per-user session that mediates every call to the question-answering backend.
package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"gwi.com/coursechat/internal/auth"
	"gwi.com/coursechat/internal/backend"
	"gwi.com/coursechat/internal/config"
	"gwi.com/coursechat/internal/utils"
)

// API is the subset of the backend client a Session needs.
type API interface {
	Token(ctx context.Context, username, password string) (*backend.TokenResponse, error)
	Register(ctx context.Context, username, password string) (string, error)
	ListCourses(ctx context.Context, cred backend.Credential) ([]string, error)
	ListDocuments(ctx context.Context, cred backend.Credential) (*backend.DocumentIndex, error)
	Ask(ctx context.Context, cred backend.Credential, in backend.AskRequest) (*backend.AskResponse, error)
	Upload(ctx context.Context, cred backend.Credential, up backend.Upload) (string, error)
	DeleteDocument(ctx context.Context, cred backend.Credential, course, filename string) (string, error)
	Overview(ctx context.Context, cred backend.Credential) (*backend.Overview, error)
	QuestionsByCourse(ctx context.Context, cred backend.Credential) (map[string]int, error)
	RecentQuestions(ctx context.Context, cred backend.Credential) ([]backend.RecentQuestion, error)
}

type Options struct {
	Mode          config.AuthMode
	APIKey        string
	AdminPassword string
	MultiCourse   bool
	Logger        *zap.Logger
}

// OptionsFromConfig derives session options from the loaded configuration.
func OptionsFromConfig(cfg config.Config, log *zap.Logger) Options {
	return Options{
		Mode:          cfg.AuthMode,
		APIKey:        cfg.APIKey,
		AdminPassword: cfg.AdminPassword,
		MultiCourse:   cfg.MultiCourse,
		Logger:        log,
	}
}

// Invalidation tells the rendering layer which part of the view is stale.
type Invalidation string

const (
	InvalidateAuth       Invalidation = "auth"
	InvalidateCourses    Invalidation = "courses"
	InvalidateTranscript Invalidation = "transcript"
	InvalidateDocuments  Invalidation = "documents"
	InvalidateAll        Invalidation = "all"
)

// Session is the state of one interactive user plus the operations on it. Every operation holds
// the session lock until its backend call returns, so a session never has two requests in flight.
// Invalidation listeners run after the lock is released.
type Session struct {
	mu        sync.Mutex
	api       API
	opts      Options
	log       *zap.Logger
	state     *State
	listeners []func(Invalidation)
	pending   []Invalidation
}

// NewSession wraps state (a fresh one when nil) for use with api.
func NewSession(api API, opts Options, state *State) *Session {
	if state == nil {
		state = NewState()
	}
	if state.Transcript == nil {
		state.Transcript = []Turn{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		api:   api,
		opts:  opts,
		log:   log.With(zap.String("component", "session"), zap.String("session_id", state.ID)),
		state: state,
	}
}

// OnInvalidate registers fn to be called after every mutating operation.
func (s *Session) OnInvalidate(fn func(Invalidation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// begin locks the session; the returned func unlocks it and delivers queued invalidations.
func (s *Session) begin() func() {
	s.mu.Lock()
	return func() {
		pending := s.pending
		listeners := s.listeners
		s.pending = nil
		s.mu.Unlock()
		for _, inv := range pending {
			for _, fn := range listeners {
				fn(inv)
			}
		}
	}
}

func (s *Session) invalidate(inv Invalidation) {
	s.state.UpdatedAt = time.Now()
	for _, p := range s.pending {
		if p == inv {
			return
		}
	}
	s.pending = append(s.pending, inv)
}

// Snapshot returns a copy of the state, safe to persist.
func (s *Session) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Transcript returns a copy of the conversation.
func (s *Session) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone().Transcript
}

// SelectedCourse is empty until a course is chosen.
func (s *Session) SelectedCourse() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SelectedCourse
}

// IsAuthenticated reports whether a credential is active.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Credential.Kind != CredentialNone
}

// IsAdmin reports whether admin features are unlocked.
func (s *Session) IsAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsAdmin
}

// Mode is the deployment's authentication mode.
func (s *Session) Mode() config.AuthMode { return s.opts.Mode }

func (s *Session) MultiCourse() bool { return s.opts.MultiCourse }

func (s *Session) credential() (backend.Credential, error) {
	switch s.state.Credential.Kind {
	case CredentialAPIKey:
		if s.opts.APIKey == "" {
			return nil, ErrNotAuthenticated
		}
		return backend.APIKey(s.opts.APIKey), nil
	case CredentialBearer:
		if s.state.Credential.Token == "" {
			return nil, ErrNotAuthenticated
		}
		return backend.Bearer(s.state.Credential.Token), nil
	default:
		return nil, ErrNotAuthenticated
	}
}

// settle inspects a backend error and drops the credential on 401.
func (s *Session) settle(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, backend.ErrUnauthorized) {
		s.log.Info("backend rejected credential, forcing re-authentication", zap.String("op", op))
		s.state.Credential = Credential{}
		s.state.IsAdmin = false
		s.invalidate(InvalidateAuth)
		return err
	}
	s.log.Warn("backend operation failed",
		zap.String("op", op),
		zap.String("category", string(backend.Classify(err))),
		zap.Error(err))
	return err
}

func (s *Session) resetConversation() {
	s.state.Courses = nil
	s.state.SelectedCourse = ""
	s.state.Transcript = []Turn{}
}

// AuthenticateStatic activates the deployment-wide API key.
func (s *Session) AuthenticateStatic() error {
	defer s.begin()()

	if s.opts.Mode != config.AuthModeAPIKey {
		return ErrWrongMode
	}
	if s.opts.APIKey == "" {
		return ErrNotAuthenticated
	}
	s.state.Credential = Credential{Kind: CredentialAPIKey}
	s.state.IsAdmin = false
	s.resetConversation()
	s.invalidate(InvalidateAll)
	return nil
}

// UnlockAdmin compares password with the configured admin password.
func (s *Session) UnlockAdmin(password string) error {
	defer s.begin()()

	if s.opts.Mode != config.AuthModeAPIKey {
		return ErrWrongMode
	}
	if s.state.Credential.Kind == CredentialNone {
		return ErrNotAuthenticated
	}
	if !auth.CheckAdminPassword(s.opts.AdminPassword, password) {
		return ErrAdminPassword
	}
	s.state.IsAdmin = true
	s.invalidate(InvalidateAll)
	return nil
}

// Login obtains a bearer token. Any refusal by the backend is reported as
// backend.ErrInvalidCredentials.
func (s *Session) Login(ctx context.Context, username, password string) error {
	defer s.begin()()

	if s.opts.Mode != config.AuthModeLogin {
		return ErrWrongMode
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrMissingCredentials
	}

	tok, err := s.api.Token(ctx, username, password)
	if err != nil {
		if errors.Is(err, backend.ErrInvalidCredentials) {
			s.log.Info("login refused", zap.String("username", username))
		}
		return err
	}

	s.state.Credential = Credential{Kind: CredentialBearer, Token: tok.AccessToken}
	s.state.Username = username
	s.state.IsAdmin = tok.IsAdmin
	s.resetConversation()
	s.invalidate(InvalidateAll)
	s.log.Info("logged in", zap.String("username", username), zap.Bool("is_admin", tok.IsAdmin))
	return nil
}

func (s *Session) Register(ctx context.Context, username, password string) (string, error) {
	defer s.begin()()

	if s.opts.Mode != config.AuthModeLogin {
		return "", ErrWrongMode
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", ErrMissingCredentials
	}
	msg, err := s.api.Register(ctx, username, password)
	return msg, s.settle("register", err)
}

// Logout forgets the credential and the conversation.
func (s *Session) Logout() {
	defer s.begin()()

	s.state.Credential = Credential{}
	s.state.Username = ""
	s.state.IsAdmin = false
	s.resetConversation()
	s.invalidate(InvalidateAll)
}

func (s *Session) ListCourses(ctx context.Context) ([]string, error) {
	defer s.begin()()

	cred, err := s.credential()
	if err != nil {
		return nil, err
	}
	courses, err := s.api.ListCourses(ctx, cred)
	if err != nil {
		return nil, s.settle("list-courses", err)
	}
	if courses == nil {
		courses = []string{}
	}
	if s.state.Courses == nil || !slices.Equal(s.state.Courses, courses) {
		s.state.Courses = slices.Clone(courses)
		s.invalidate(InvalidateCourses)
	}
	return courses, nil
}

// SelectCourse switches the active course. Switching always empties the transcript; selecting the
// current course changes nothing. Once the course list has been fetched, names outside it are
// rejected with ErrUnknownCourse. It reports whether the selection changed.
func (s *Session) SelectCourse(name string) (bool, error) {
	defer s.begin()()

	if name == s.state.SelectedCourse {
		return false, nil
	}
	if name != "" && s.state.Courses != nil && !slices.Contains(s.state.Courses, name) {
		return false, fmt.Errorf("%w: %q", ErrUnknownCourse, name)
	}
	s.state.SelectedCourse = name
	s.state.Transcript = []Turn{}
	s.invalidate(InvalidateTranscript)
	return true, nil
}

// requireAdmin gates knowledge-base changes in apikey mode, where the backend only ever sees the
// shared key and cannot tell users apart.
func (s *Session) requireAdmin() error {
	if s.opts.Mode == config.AuthModeAPIKey && !s.state.IsAdmin {
		return ErrAdminRequired
	}
	return nil
}

// history is the chat_history payload: every answered turn, in order.
func (s *Session) history() []backend.HistoryMessage {
	out := make([]backend.HistoryMessage, 0, len(s.state.Transcript))
	for _, t := range s.state.Transcript {
		if t.Failed {
			continue
		}
		out = append(out, backend.HistoryMessage{Role: string(t.Role), Content: t.Content})
	}
	return out
}

// Ask appends the question to the transcript, sends it with the whole conversation and appends
// the answer. A question that fails stays in the transcript marked Failed and is left out of the
// history sent with later questions.
func (s *Session) Ask(ctx context.Context, question string) (*Turn, error) {
	defer s.begin()()

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	course := s.state.SelectedCourse
	if s.opts.MultiCourse && course == "" {
		return nil, ErrNoCourse
	}
	if !s.opts.MultiCourse {
		course = ""
	}
	cred, err := s.credential()
	if err != nil {
		return nil, err
	}

	s.state.Transcript = append(s.state.Transcript, Turn{
		Role:      RoleUser,
		Content:   question,
		CreatedAt: time.Now(),
	})
	userIdx := len(s.state.Transcript) - 1
	s.invalidate(InvalidateTranscript)

	resp, err := s.api.Ask(ctx, cred, backend.AskRequest{
		Question:    question,
		Course:      course,
		ChatHistory: s.history(),
	})
	if err != nil {
		s.state.Transcript[userIdx].Failed = true
		return nil, s.settle("ask", err)
	}

	sources := make([]string, 0, len(resp.SourceDocuments))
	for _, doc := range resp.SourceDocuments {
		sources = append(sources, doc.Source)
	}
	var citations []Citation
	for _, src := range utils.DedupeSorted(sources) {
		citations = append(citations, Citation{Source: src})
	}

	answer := Turn{
		Role:            RoleAssistant,
		Content:         resp.Answer,
		SourceDocuments: citations,
		CreatedAt:       time.Now(),
	}
	s.state.Transcript = append(s.state.Transcript, answer)
	s.log.Debug("question answered", zap.String("course", course), zap.Int("citations", len(citations)))
	return &answer, nil
}

func (s *Session) ListDocuments(ctx context.Context) (*backend.DocumentIndex, error) {
	defer s.begin()()

	cred, err := s.credential()
	if err != nil {
		return nil, err
	}
	idx, err := s.api.ListDocuments(ctx, cred)
	if err != nil {
		return nil, s.settle("list-documents", err)
	}
	return idx, nil
}

// UploadDocument submits a file for ingestion. An empty mimeType is sniffed from content. The
// caller must re-fetch the document list afterwards; nothing is inserted locally.
func (s *Session) UploadDocument(ctx context.Context, course, displayName string, content []byte, fileName, mimeType string) (string, error) {
	defer s.begin()()

	fileName = strings.TrimSpace(fileName)
	if fileName == "" || len(content) == 0 {
		return "", ErrEmptyFile
	}
	if s.opts.MultiCourse && course == "" {
		return "", ErrNoCourse
	}
	if !s.opts.MultiCourse {
		course = ""
	}
	cred, err := s.credential()
	if err != nil {
		return "", err
	}
	if err := s.requireAdmin(); err != nil {
		return "", err
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(content).String()
	}

	msg, err := s.api.Upload(ctx, cred, backend.Upload{
		Course:      course,
		DisplayName: strings.TrimSpace(displayName),
		FileName:    fileName,
		MimeType:    mimeType,
		Content:     content,
	})
	if err != nil {
		return "", s.settle("upload", err)
	}
	s.invalidate(InvalidateDocuments)
	s.log.Info("document uploaded", zap.String("course", course), zap.String("file", fileName), zap.Int("bytes", len(content)))
	return msg, nil
}

// DeleteDocument removes a document immediately.
func (s *Session) DeleteDocument(ctx context.Context, course, filename string) (string, error) {
	defer s.begin()()

	if strings.TrimSpace(filename) == "" {
		return "", ErrEmptyFilename
	}
	if s.opts.MultiCourse && course == "" {
		return "", ErrNoCourse
	}
	if !s.opts.MultiCourse {
		course = ""
	}
	cred, err := s.credential()
	if err != nil {
		return "", err
	}
	if err := s.requireAdmin(); err != nil {
		return "", err
	}
	msg, err := s.api.DeleteDocument(ctx, cred, course, filename)
	if err != nil {
		return "", s.settle("delete-document", err)
	}
	s.invalidate(InvalidateDocuments)
	s.log.Info("document deleted", zap.String("course", course), zap.String("file", filename))
	return msg, nil
}

type StatsKind string

const (
	StatsOverview          StatsKind = "overview"
	StatsQuestionsByCourse StatsKind = "questions-by-course"
	StatsRecentQuestions   StatsKind = "recent-questions"
)

// ParseStatsKind accepts the path form ("questions-by-course") and the camel form ("questionsByCourse").
func ParseStatsKind(raw string) (StatsKind, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "-", "")) {
	case "overview":
		return StatsOverview, nil
	case "questionsbycourse":
		return StatsQuestionsByCourse, nil
	case "recentquestions":
		return StatsRecentQuestions, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatsKind, raw)
}

type Stats struct {
	Kind              StatsKind                `json:"kind"`
	Overview          *backend.Overview        `json:"overview,omitempty"`
	QuestionsByCourse map[string]int           `json:"questions_by_course,omitempty"`
	RecentQuestions   []backend.RecentQuestion `json:"recent_questions,omitempty"`
}

// FetchStats is admin only; non-admin sessions are refused without contacting the backend.
func (s *Session) FetchStats(ctx context.Context, kind StatsKind) (*Stats, error) {
	defer s.begin()()

	cred, err := s.credential()
	if err != nil {
		return nil, err
	}
	if !s.state.IsAdmin {
		return nil, ErrAdminRequired
	}

	out := &Stats{Kind: kind}
	switch kind {
	case StatsOverview:
		out.Overview, err = s.api.Overview(ctx, cred)
	case StatsQuestionsByCourse:
		out.QuestionsByCourse, err = s.api.QuestionsByCourse(ctx, cred)
	case StatsRecentQuestions:
		out.RecentQuestions, err = s.api.RecentQuestions(ctx, cred)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatsKind, kind)
	}
	if err != nil {
		return nil, s.settle("stats-"+string(kind), err)
	}
	return out, nil
}

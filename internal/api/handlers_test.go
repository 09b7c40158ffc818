package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/coursechat/internal/backend"
	"gwi.com/coursechat/internal/config"
	"gwi.com/coursechat/internal/core"
	"gwi.com/coursechat/internal/store"
)

// stubAPI answers every backend call from canned values and records what it was sent.
type stubAPI struct {
	mu       sync.Mutex
	token    *backend.TokenResponse
	tokenErr error
	courses  []string
	askErr   error
	asks     []backend.AskRequest
	uploads  []backend.Upload
	deletes  [][2]string
	recent   []backend.RecentQuestion
	calls    int
}

func (s *stubAPI) hit() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *stubAPI) Token(ctx context.Context, username, password string) (*backend.TokenResponse, error) {
	s.hit()
	if s.tokenErr != nil {
		return nil, s.tokenErr
	}
	return s.token, nil
}

func (s *stubAPI) Register(ctx context.Context, username, password string) (string, error) {
	s.hit()
	return "User registered successfully", nil
}

func (s *stubAPI) ListCourses(ctx context.Context, cred backend.Credential) ([]string, error) {
	s.hit()
	return s.courses, nil
}

func (s *stubAPI) ListDocuments(ctx context.Context, cred backend.Credential) (*backend.DocumentIndex, error) {
	s.hit()
	return &backend.DocumentIndex{Grouped: true, ByCourse: map[string][]string{"CS101": {"notes.pdf"}}}, nil
}

func (s *stubAPI) Ask(ctx context.Context, cred backend.Credential, in backend.AskRequest) (*backend.AskResponse, error) {
	s.hit()
	s.mu.Lock()
	s.asks = append(s.asks, in)
	s.mu.Unlock()
	if s.askErr != nil {
		return nil, s.askErr
	}
	return &backend.AskResponse{
		Answer:          "Answer to " + in.Question,
		SourceDocuments: []backend.SourceDocument{{Source: "b.pdf"}, {Source: "a.pdf"}, {Source: "b.pdf"}},
	}, nil
}

func (s *stubAPI) Upload(ctx context.Context, cred backend.Credential, up backend.Upload) (string, error) {
	s.hit()
	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	s.mu.Unlock()
	return backend.DefaultUploadMessage, nil
}

func (s *stubAPI) DeleteDocument(ctx context.Context, cred backend.Credential, course, filename string) (string, error) {
	s.hit()
	s.mu.Lock()
	s.deletes = append(s.deletes, [2]string{course, filename})
	s.mu.Unlock()
	return "Deleted " + filename, nil
}

func (s *stubAPI) Overview(ctx context.Context, cred backend.Credential) (*backend.Overview, error) {
	s.hit()
	return &backend.Overview{TotalQuestions: 3, TotalCourses: 2, TotalVectors: 40}, nil
}

func (s *stubAPI) QuestionsByCourse(ctx context.Context, cred backend.Credential) (map[string]int, error) {
	s.hit()
	return map[string]int{"CS101": 2}, nil
}

func (s *stubAPI) RecentQuestions(ctx context.Context, cred backend.Credential) ([]backend.RecentQuestion, error) {
	s.hit()
	return s.recent, nil
}

type gateway struct {
	server *httptest.Server
	client *http.Client
	api    *stubAPI
	store  store.Store
}

func newGateway(t *testing.T, opts core.Options) *gateway {
	t.Helper()
	st, err := store.NewStore(store.StoreTypeMemory, store.WithTTL(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	api := &stubAPI{courses: []string{"CS101", "BIO200"}}
	h := NewAPIHandler(Deps{
		API:           api,
		Store:         st,
		Options:       opts,
		SessionSecret: "test-secret",
		SessionTTL:    time.Hour,
		Location:      time.UTC,
	})
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &gateway{server: srv, client: &http.Client{Jar: jar}, api: api, store: st}
}

func loginOpts(multi bool) core.Options {
	return core.Options{Mode: config.AuthModeLogin, MultiCourse: multi}
}

func apiKeyOpts() core.Options {
	return core.Options{Mode: config.AuthModeAPIKey, APIKey: "static", AdminPassword: "sesame"}
}

type result struct {
	Status int
	Body   map[string]any
}

func (g *gateway) do(t *testing.T, method, path string, body any) result {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, g.server.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.send(t, req)
}

func (g *gateway) send(t *testing.T, req *http.Request) result {
	t.Helper()
	resp, err := g.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := result{Status: resp.StatusCode, Body: map[string]any{}}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out.Body))
	return out
}

func (r result) data(t *testing.T) map[string]any {
	t.Helper()
	d, ok := r.Body["data"].(map[string]any)
	require.True(t, ok, "data is not an object: %v", r.Body)
	return d
}

func TestHealth(t *testing.T) {
	g := newGateway(t, loginOpts(false))
	res := g.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "ok", res.Body["status"])
}

func TestSession_CookieIsIssuedAndReused(t *testing.T) {
	g := newGateway(t, loginOpts(false))

	first := g.do(t, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, first.Status)
	id := first.data(t)["id"]
	assert.NotEmpty(t, id)
	assert.Equal(t, false, first.data(t)["authenticated"])

	second := g.do(t, http.MethodGet, "/api/session", nil)
	assert.Equal(t, id, second.data(t)["id"])

	u, _ := url.Parse(g.server.URL)
	cookies := g.client.Jar.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookieName, cookies[0].Name)
}

func TestSession_TamperedCookieStartsFreshSession(t *testing.T) {
	g := newGateway(t, loginOpts(false))
	first := g.do(t, http.MethodGet, "/api/session", nil)

	u, _ := url.Parse(g.server.URL)
	g.client.Jar.SetCookies(u, []*http.Cookie{{Name: SessionCookieName, Value: "garbage", Path: "/"}})

	second := g.do(t, http.MethodGet, "/api/session", nil)
	assert.NotEqual(t, first.data(t)["id"], second.data(t)["id"])
}

func TestAPIKeyMode_SessionStartsAuthenticated(t *testing.T) {
	g := newGateway(t, apiKeyOpts())
	res := g.do(t, http.MethodGet, "/api/session", nil)
	assert.Equal(t, true, res.data(t)["authenticated"])
	assert.Equal(t, false, res.data(t)["is_admin"])
	assert.Equal(t, "apikey", res.data(t)["mode"])
}

func TestLogin_RequiresFields(t *testing.T) {
	g := newGateway(t, loginOpts(false))
	res := g.do(t, http.MethodPost, "/api/login", map[string]string{"username": "ana"})
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, "invalid_request", res.Body["category"])
	assert.Contains(t, res.Body["error"], "password")
	assert.Zero(t, g.api.calls)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	g := newGateway(t, loginOpts(false))
	g.api.tokenErr = backend.ErrInvalidCredentials

	res := g.do(t, http.MethodPost, "/api/login", map[string]string{"username": "ana", "password": "bad"})
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, "unauthorized", res.Body["category"])
	assert.Equal(t, "Incorrect username or password.", res.Body["error"])
}

func TestLoginAskFlow(t *testing.T) {
	g := newGateway(t, loginOpts(true))
	g.api.token = &backend.TokenResponse{AccessToken: "tok", IsAdmin: false}

	res := g.do(t, http.MethodPost, "/api/login", map[string]string{"username": "ana", "password": "pw"})
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "ana", res.data(t)["username"])
	assert.Equal(t, []any{"all"}, res.Body["invalidate"])

	res = g.do(t, http.MethodPost, "/api/ask", map[string]string{"question": "hello?"})
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Empty(t, g.api.asks)

	res = g.do(t, http.MethodPut, "/api/course", map[string]string{"course": "CS101"})
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, true, res.data(t)["changed"])

	res = g.do(t, http.MethodPost, "/api/ask", map[string]string{"question": "What is Big O?"})
	require.Equal(t, http.StatusOK, res.Status)
	turn := res.data(t)
	assert.Equal(t, "assistant", turn["role"])
	assert.Equal(t, "Answer to What is Big O?", turn["content"])
	assert.Equal(t, []any{
		map[string]any{"source": "a.pdf"},
		map[string]any{"source": "b.pdf"},
	}, turn["source_documents"])

	res = g.do(t, http.MethodPost, "/api/ask", map[string]string{"question": "And Omega?"})
	require.Equal(t, http.StatusOK, res.Status)

	require.Len(t, g.api.asks, 2)
	assert.Equal(t, "CS101", g.api.asks[1].Course)
	assert.Equal(t, []backend.HistoryMessage{
		{Role: "user", Content: "What is Big O?"},
		{Role: "assistant", Content: "Answer to What is Big O?"},
		{Role: "user", Content: "And Omega?"},
	}, g.api.asks[1].ChatHistory)

	view := g.do(t, http.MethodGet, "/api/session", nil).data(t)
	assert.Len(t, view["transcript"], 4)
}

func TestAsk_UnauthorizedClearsCredential(t *testing.T) {
	g := newGateway(t, loginOpts(false))
	g.api.token = &backend.TokenResponse{AccessToken: "tok"}
	require.Equal(t, http.StatusOK, g.do(t, http.MethodPost, "/api/login", map[string]string{"username": "ana", "password": "pw"}).Status)

	g.api.askErr = &backend.APIError{StatusCode: http.StatusUnauthorized, Detail: "Token expired"}
	res := g.do(t, http.MethodPost, "/api/ask", map[string]string{"question": "hi"})
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, "unauthorized", res.Body["category"])

	view := g.do(t, http.MethodGet, "/api/session", nil).data(t)
	assert.Equal(t, false, view["authenticated"])
}

func TestAsk_TransportErrorIsBadGateway(t *testing.T) {
	g := newGateway(t, apiKeyOpts())
	g.api.askErr = &backend.TransportError{Op: "ask", Err: context.DeadlineExceeded}

	res := g.do(t, http.MethodPost, "/api/ask", map[string]string{"question": "hi"})
	assert.Equal(t, http.StatusBadGateway, res.Status)
	assert.Equal(t, "transport", res.Body["category"])

	view := g.do(t, http.MethodGet, "/api/session", nil).data(t)
	transcript := view["transcript"].([]any)
	require.Len(t, transcript, 1)
	assert.Equal(t, true, transcript[0].(map[string]any)["failed"])
}

func TestAdminUnlockAndStats(t *testing.T) {
	g := newGateway(t, apiKeyOpts())
	g.api.recent = []backend.RecentQuestion{{Timestamp: "2024-05-01T10:00:00", Course: "CS101", Question: "q", Answer: "a"}}

	res := g.do(t, http.MethodGet, "/api/stats/overview", nil)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Zero(t, g.api.calls)

	res = g.do(t, http.MethodPost, "/api/admin/unlock", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Equal(t, "invalid_admin_password", res.Body["category"])
	assert.Equal(t, true, g.do(t, http.MethodGet, "/api/session", nil).data(t)["authenticated"],
		"a mistyped admin password keeps the session signed in")

	res = g.do(t, http.MethodPost, "/api/admin/unlock", map[string]string{"password": "sesame"})
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, true, res.data(t)["is_admin"])

	res = g.do(t, http.MethodGet, "/api/stats/overview", nil)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, float64(40), res.data(t)["total_vectors"])

	res = g.do(t, http.MethodGet, "/api/stats/recent-questions", nil)
	require.Equal(t, http.StatusOK, res.Status)
	rows := res.Body["data"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-05-01 10:00:00 UTC", rows[0].(map[string]any)["display_timestamp"])

	res = g.do(t, http.MethodGet, "/api/stats/bogus", nil)
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func uploadRequest(t *testing.T, baseURL string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4 fake"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/documents", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestDocumentChanges_LockedInAPIKeyMode(t *testing.T) {
	g := newGateway(t, apiKeyOpts())
	assert.Equal(t, false, g.do(t, http.MethodGet, "/api/session", nil).data(t)["is_admin"])

	res := g.send(t, uploadRequest(t, g.server.URL))
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Equal(t, "forbidden", res.Body["category"])

	res = g.do(t, http.MethodDelete, "/api/documents/notes.pdf", nil)
	assert.Equal(t, http.StatusForbidden, res.Status)

	assert.Empty(t, g.api.uploads)
	assert.Empty(t, g.api.deletes)
	assert.Zero(t, g.api.calls)
}

func TestUploadAndDelete(t *testing.T) {
	g := newGateway(t, apiKeyOpts())
	require.Equal(t, http.StatusOK, g.do(t, http.MethodPost, "/api/admin/unlock", map[string]string{"password": "sesame"}).Status)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4 fake"))
	require.NoError(t, mw.WriteField("doc_name", "Lecture notes"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, g.server.URL+"/api/documents", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res := g.send(t, req)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, backend.DefaultUploadMessage, res.Body["message"])
	assert.Equal(t, []any{"documents"}, res.Body["invalidate"])

	require.Len(t, g.api.uploads, 1)
	up := g.api.uploads[0]
	assert.Equal(t, "notes.pdf", up.FileName)
	assert.Equal(t, "Lecture notes", up.DisplayName)
	assert.Equal(t, "application/pdf", up.MimeType)

	res = g.do(t, http.MethodDelete, "/api/documents/my%20notes.pdf", nil)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "Deleted my notes.pdf", res.Body["message"])

	res = g.do(t, http.MethodDelete, "/api/documents/100%25.pdf", nil)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, [][2]string{{"", "my notes.pdf"}, {"", "100%.pdf"}}, g.api.deletes)
}

func TestSelectCourse_UnknownAfterListing(t *testing.T) {
	g := newGateway(t, apiKeyOpts())

	res := g.do(t, http.MethodPut, "/api/course", map[string]string{"course": "CHEM300"})
	require.Equal(t, http.StatusOK, res.Status, "nothing to check against before the list is fetched")

	res = g.do(t, http.MethodGet, "/api/courses", nil)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, []any{"courses"}, res.Body["invalidate"])

	res = g.do(t, http.MethodPut, "/api/course", map[string]string{"course": "PHYS101"})
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, "invalid_request", res.Body["category"])

	res = g.do(t, http.MethodPut, "/api/course", map[string]string{"course": "BIO200"})
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "BIO200", res.data(t)["selected_course"])
}

func TestUpload_MissingFile(t *testing.T) {
	g := newGateway(t, apiKeyOpts())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("doc_name", "x"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, g.server.URL+"/api/documents", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res := g.send(t, req)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Empty(t, g.api.uploads)
}

func TestListCoursesAndDocuments(t *testing.T) {
	g := newGateway(t, apiKeyOpts())

	res := g.do(t, http.MethodGet, "/api/courses", nil)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, []any{"CS101", "BIO200"}, res.data(t)["courses"])
	assert.Equal(t, false, res.data(t)["empty"])

	res = g.do(t, http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, true, res.data(t)["grouped"])
	assert.Equal(t, map[string]any{"CS101": []any{"notes.pdf"}}, res.data(t)["documents"])
}

func TestLogout_ClearsSession(t *testing.T) {
	g := newGateway(t, apiKeyOpts())
	res := g.do(t, http.MethodPost, "/api/logout", nil)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, false, res.data(t)["authenticated"])

	res = g.do(t, http.MethodGet, "/api/courses", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Status)

	res = g.do(t, http.MethodPost, "/api/login", nil)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, true, res.data(t)["authenticated"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err      error
		status   int
		category string
	}{
		{store.ErrVersionConflict, http.StatusConflict, "conflict"},
		{core.ErrNotAuthenticated, http.StatusUnauthorized, "unauthorized"},
		{core.ErrAdminRequired, http.StatusForbidden, "forbidden"},
		{core.ErrAdminPassword, http.StatusForbidden, "invalid_admin_password"},
		{core.ErrUnknownCourse, http.StatusBadRequest, "invalid_request"},
		{core.ErrEmptyQuestion, http.StatusBadRequest, "invalid_request"},
		{&backend.APIError{StatusCode: http.StatusForbidden, Detail: "no"}, http.StatusForbidden, "forbidden"},
		{&backend.APIError{StatusCode: http.StatusUnprocessableEntity, Detail: "bad"}, http.StatusUnprocessableEntity, "application"},
		{&backend.TransportError{Op: "ask", Err: context.Canceled}, http.StatusBadGateway, "transport"},
		{assert.AnError, http.StatusInternalServerError, "unexpected"},
	}
	for _, tc := range cases {
		status, category, msg := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.category, category, tc.err.Error())
		assert.NotEmpty(t, msg)
	}
}

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

const (
	DefaultUploadMessage = "Document added successfully!"
	DefaultDeleteMessage = "Document deleted successfully!"
)

type messageResponse struct {
	Message string `json:"message"`
}

// Token exchanges username/password for a bearer token. Every non-200 reply is reported as
// ErrInvalidCredentials without saying why.
func (c *Client) Token(ctx context.Context, username, password string) (*TokenResponse, error) {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := c.newRequest(ctx, http.MethodPost, "/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out TokenResponse
	if err := c.do(req, nil, "token", &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("token response carried no access_token")
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, username, password string) (string, error) {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := c.newRequest(ctx, http.MethodPost, "/register", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out messageResponse
	if err := c.do(req, nil, "register", &out); err != nil {
		return "", err
	}
	if out.Message == "" {
		return "Registration successful.", nil
	}
	return out.Message, nil
}

func (c *Client) ListCourses(ctx context.Context, cred Credential) ([]string, error) {
	var courses []string
	if err := c.getJSON(ctx, cred, "/list-courses/", "list-courses", &courses); err != nil {
		return nil, err
	}
	if courses == nil {
		courses = []string{}
	}
	return courses, nil
}

func (c *Client) ListDocuments(ctx context.Context, cred Credential) (*DocumentIndex, error) {
	var idx DocumentIndex
	if err := c.getJSON(ctx, cred, "/list-documents/", "list-documents", &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

func (c *Client) Ask(ctx context.Context, cred Credential, in AskRequest) (*AskResponse, error) {
	if in.ChatHistory == nil {
		in.ChatHistory = []HistoryMessage{}
	}
	var out AskResponse
	if err := c.postJSON(ctx, cred, "/ask/", "ask", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload sends a multipart file to /upload-and-process/ and returns the backend's message.
func (c *Client) Upload(ctx context.Context, cred Credential, up Upload) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, up.FileName))
	contentType := up.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(up.Content); err != nil {
		return "", fmt.Errorf("failed to write file part: %w", err)
	}
	if up.DisplayName != "" {
		if err := mw.WriteField("doc_name", up.DisplayName); err != nil {
			return "", fmt.Errorf("failed to write doc_name: %w", err)
		}
	}
	if up.Course != "" {
		if err := mw.WriteField("course", up.Course); err != nil {
			return "", fmt.Errorf("failed to write course: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload-and-process/", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out messageResponse
	if err := c.do(req, cred, "upload-and-process", &out); err != nil {
		return "", err
	}
	if out.Message == "" {
		return DefaultUploadMessage, nil
	}
	return out.Message, nil
}

func (c *Client) DeleteDocument(ctx context.Context, cred Credential, course, filename string) (string, error) {
	in := struct {
		Filename string `json:"filename"`
		Course   string `json:"course,omitempty"`
	}{Filename: filename, Course: course}

	var out messageResponse
	if err := c.postJSON(ctx, cred, "/delete-document/", "delete-document", in, &out); err != nil {
		return "", err
	}
	if out.Message == "" {
		return DefaultDeleteMessage, nil
	}
	return out.Message, nil
}

func (c *Client) Overview(ctx context.Context, cred Credential) (*Overview, error) {
	var out Overview
	if err := c.getJSON(ctx, cred, "/stats/overview", "stats-overview", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QuestionsByCourse(ctx context.Context, cred Credential) (map[string]int, error) {
	var out map[string]int
	if err := c.getJSON(ctx, cred, "/stats/questions-by-course", "stats-questions-by-course", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]int{}
	}
	return out, nil
}

func (c *Client) RecentQuestions(ctx context.Context, cred Credential) ([]RecentQuestion, error) {
	var out []RecentQuestion
	if err := c.getJSON(ctx, cred, "/stats/recent-questions", "stats-recent-questions", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []RecentQuestion{}
	}
	return out, nil
}

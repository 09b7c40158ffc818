package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"gwi.com/coursechat/internal/backend"
	"gwi.com/coursechat/internal/core"
	"gwi.com/coursechat/internal/store"
)

type envelope struct {
	Data       any                 `json:"data,omitempty"`
	Message    string              `json:"message,omitempty"`
	Invalidate []core.Invalidation `json:"invalidate"`
}

type errorBody struct {
	Category string `json:"category"`
	Error    string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, category, msg string) {
	writeJSON(w, status, errorBody{Category: category, Error: msg})
}

// statusFor maps a session or backend error to the gateway status, category and message.
func statusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "conflict", "Another request for this session is still running. Please retry."
	case errors.Is(err, core.ErrNotAuthenticated):
		return http.StatusUnauthorized, string(backend.CategoryUnauthorized), "Please log in first."
	case errors.Is(err, core.ErrAdminPassword):
		return http.StatusForbidden, "invalid_admin_password", "Incorrect admin password."
	case errors.Is(err, core.ErrAdminRequired):
		return http.StatusForbidden, string(backend.CategoryForbidden), "Administrator access required."
	case core.IsLocal(err):
		return http.StatusBadRequest, "invalid_request", err.Error()
	}

	msg := backend.UserMessage(err)
	switch backend.Classify(err) {
	case backend.CategoryTransport:
		return http.StatusBadGateway, string(backend.CategoryTransport), msg
	case backend.CategoryUnauthorized:
		return http.StatusUnauthorized, string(backend.CategoryUnauthorized), msg
	case backend.CategoryForbidden:
		return http.StatusForbidden, string(backend.CategoryForbidden), msg
	case backend.CategoryApplication:
		var apiErr *backend.APIError
		errors.As(err, &apiErr)
		return apiErr.StatusCode, string(backend.CategoryApplication), msg
	default:
		return http.StatusInternalServerError, string(backend.CategoryUnexpected), msg
	}
}

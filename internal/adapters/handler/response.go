// Package handler implements HTTP request handlers
// Following Hexagonal Architecture: Adapters translate HTTP to domain logic
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"channelhub/internal/core/domain"
)

// APIResponse is the standard response envelope used by every JSON endpoint.
type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// WriteSuccess writes a 200 envelope with the payload.
func WriteSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{
		Code:    http.StatusOK,
		Message: "Success",
		Data:    data,
		TraceID: uuid.NewString(),
	})
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, APIResponse{
		Code:    code,
		Message: message,
		TraceID: uuid.NewString(),
	})
}

// WriteDomainError maps a domain error onto an HTTP status.
func WriteDomainError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		WriteError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrNotConnected):
		WriteError(w, http.StatusConflict, "platform is not connected")
	case errors.Is(err, domain.ErrReconnectRequired):
		WriteError(w, http.StatusUnauthorized, "credential expired, reconnect required")
	case errors.Is(err, domain.ErrHandshakeInvalid):
		WriteError(w, http.StatusForbidden, "authorization state is invalid or already used")
	case errors.Is(err, domain.ErrProviderUnavailable):
		WriteError(w, http.StatusBadGateway, "provider is unavailable")
	default:
		slog.Error("Unhandled error in HTTP handler", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, code int, body APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// identity extracts the caller's tenant and user ids from the gateway-set
// headers. The upstream API gateway authenticates the session and forwards
// the resolved identity; requests reaching this service without it are
// rejected outright.
func identity(r *http.Request) (tenantID, userID int64, err error) {
	tenantID, err = strconv.ParseInt(r.Header.Get("X-Tenant-ID"), 10, 64)
	if err != nil || tenantID <= 0 {
		return 0, 0, domain.Validationf("tenant", "missing or invalid X-Tenant-ID header")
	}
	userID, err = strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, domain.Validationf("user", "missing or invalid X-User-ID header")
	}
	return tenantID, userID, nil
}

// pathID parses a numeric path segment.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Validationf(name, "invalid %s", name)
	}
	return id, nil
}

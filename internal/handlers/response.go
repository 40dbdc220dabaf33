package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/docvault/internal/errs"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a pipeline failure to its HTTP status. Client-facing
// messages are only passed through for 4xx responses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrMetadataNotFound), errors.Is(err, errs.ErrBlobNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrTemplateNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *DocumentHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := h.log.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
		msg = http.StatusText(status)
	} else {
		log.Debug("Request rejected")
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"collections/internal/domain"
	"collections/internal/jobs"
	"collections/internal/service"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrInvalidID        = "invalid invoice id"
	ErrInvalidDate      = "invalid date, want YYYY-MM-DD"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
)

// writeServiceError maps service errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrMissingDueDate):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrInvoiceClosed), errors.Is(err, jobs.ErrRunAlreadyQueued):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error(msg, append(attrs, "err", err)...)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}

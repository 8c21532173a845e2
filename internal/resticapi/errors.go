package resticapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/restic115/internal/open115"
)

// errBadRequest and friends classify handler-local failures so writeError
// can map them without a parallel status plumbing.
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func badRequest(msg string) error {
	return &httpError{status: http.StatusBadRequest, message: msg}
}

func notFound(msg string) error {
	return &httpError{status: http.StatusNotFound, message: msg}
}

func payloadTooLarge(msg string) error {
	return &httpError{status: http.StatusRequestEntityTooLarge, message: msg}
}

// writeError maps an error to the REST status taxonomy and writes the
// {"error": ...} body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var (
		he        *httpError
		apiErr    *open115.APIError
		refresh   *open115.RefreshError
		transport *open115.TransportError
		decode    *open115.DecodeError
	)

	switch {
	case errors.As(err, &he):
		status = he.status
	case errors.Is(err, open115.ErrAuthMissing), errors.As(err, &refresh):
		status = http.StatusUnauthorized
	case errors.As(err, &apiErr):
		if apiErr.IsQuotaLimited() {
			status = http.StatusTooManyRequests
		} else {
			status = http.StatusBadGateway
		}
	case errors.As(err, &transport), errors.As(err, &decode):
		status = http.StatusBadGateway
	case errors.Is(err, open115.ErrNotFound):
		status = http.StatusNotFound
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("request rejected",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

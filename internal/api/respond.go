package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/soaringjerry/homophily/internal/logger"
	"github.com/soaringjerry/homophily/internal/middleware"
	"github.com/soaringjerry/homophily/internal/services"
)

const maxBodyBytes = 1 << 20

var statusByCode = map[services.ErrorCode]int{
	services.ErrorValidation:      http.StatusBadRequest,
	services.ErrorUnauthorized:    http.StatusUnauthorized,
	services.ErrorForbidden:       http.StatusForbidden,
	services.ErrorNotFound:        http.StatusNotFound,
	services.ErrorPrecondition:    http.StatusConflict,
	services.ErrorPhaseMismatch:   http.StatusConflict,
	services.ErrorIncompleteChat:  http.StatusConflict,
	services.ErrorDuplicateRating: http.StatusConflict,
	services.ErrorConflict:        http.StatusConflict,
	services.ErrorTooManyRequests: http.StatusTooManyRequests,
	services.ErrorProvider:        http.StatusBadGateway,
	services.ErrorAssignment:      http.StatusInternalServerError,
	services.ErrorStorage:         http.StatusInternalServerError,
}

// StatusFor maps a service error code to its HTTP status.
func StatusFor(code services.ErrorCode) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError renders err. Anything that is not a ServiceError becomes an opaque 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		log.Error("unhandled error", "path", r.URL.Path, "error", err)
		middleware.WriteError(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
		return
	}
	status := StatusFor(se.Code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "code", string(se.Code), "error", se)
	}
	middleware.WriteError(w, r, status, string(se.Code), se.Message, se.Details)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return services.NewValidationError("request body too large")
		case errors.Is(err, io.EOF):
			return services.NewValidationError("request body required")
		default:
			return services.NewValidationError("invalid JSON body: %v", err)
		}
	}
	return nil
}

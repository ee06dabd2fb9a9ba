// internal/handlers/errors.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/memeclash/memeclash/internal/models"
)

// writeError maps domain errors onto HTTP status codes and a small JSON
// body. Unknown errors are treated as internal.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	message := err.Error()

	var domErr *models.Error
	if errors.As(err, &domErr) {
		code = domErr.Code
		switch domErr.Kind {
		case models.KindValidation:
			status = http.StatusBadRequest
		case models.KindNotFound:
			status = http.StatusNotFound
		case models.KindPermission:
			status = http.StatusForbidden
		case models.KindConflict:
			status = http.StatusConflict
		case models.KindTransient:
			status = http.StatusServiceUnavailable
		}
		message = domErr.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

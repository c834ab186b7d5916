package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/tokaysec/pkg/schema"
)

const maxBodyBytes = 1 << 20

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case schema.ErrCodeDenied:
		return http.StatusForbidden
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeNotEmpty:
		return http.StatusConflict
	case schema.ErrCodeKeyUnavailable, schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as {code, message, details}. Errors outside the
// taxonomy are reported as INTERNAL_ERROR without their text.
func writeError(w http.ResponseWriter, err error) {
	var te *schema.TokayError
	if !errors.As(err, &te) {
		te = schema.NewError(schema.ErrCodeInternal, "internal error")
	}
	writeJSON(w, statusFor(te.Code), te)
}

// decodeBody reads a JSON body of at most maxBodyBytes into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "request body too large or unreadable").WithCause(err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		var te *schema.TokayError
		if errors.As(err, &te) {
			return te
		}
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON body").WithCause(err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%s must be an integer", key)
	}
	return n, nil
}

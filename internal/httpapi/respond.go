package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/homeos/pkg/schema"
)

const maxBodyBytes = 1 << 20

// statusFor maps an error code to the HTTP status returned for it.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInFlight, schema.ErrCodeInvalidTransition, schema.ErrCodeApprovalExpired:
		return http.StatusConflict
	case schema.ErrCodeValidation, schema.ErrCodeHashMismatch:
		return http.StatusBadRequest
	case schema.ErrCodePermissionDenied, schema.ErrCodeTokenInvalid:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {error, code}. Errors without a code are reported as
// EXECUTION_ERROR.
func writeError(w http.ResponseWriter, err error) {
	code := schema.ErrCodeExecution
	msg := err.Error()
	var he *schema.HomeOSError
	if errors.As(err, &he) {
		code = he.Code
		msg = he.Message
	}
	writeJSON(w, statusFor(code), map[string]string{"error": msg, "code": code})
}

// readBody reads a bounded request body.
func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "read request body").WithCause(err)
	}
	if len(data) > maxBodyBytes {
		return nil, schema.NewError(schema.ErrCodeValidation, "request body too large")
	}
	return data, nil
}

// decode reads the body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %v", err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

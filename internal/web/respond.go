package web

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/darthnorse/dockmon/internal/derr"
)

const maxBodyBytes = 1 << 20

// writeJSON serializes v with the given status. Encoding failures are
// swallowed; the status line is already on the wire.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeDetail emits the error envelope with an explicit status.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps a domain error to its HTTP status and emits the envelope.
func writeError(w http.ResponseWriter, err error) {
	writeDetail(w, httpStatus(err), err.Error())
}

// httpStatus maps error kinds to status codes. Unknown errors are 500.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, derr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, derr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, derr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, derr.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, derr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, derr.ErrAgentUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, derr.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, derr.ErrEngine):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded request body into v. Malformed input is a
// validation error, not a 500.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return derr.Validationf("malformed request body: %v", err)
	}
	return nil
}

// clientIP extracts the IP address from r.RemoteAddr, stripping the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"gpupool/internal/poolerr"
	"gpupool/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps err to a status code. Pool errors carry their own code;
// an expired request deadline is a gateway timeout.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var he HTTPError
	switch {
	case errors.As(err, &he):
		status = he.StatusCode()
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	resp := types.ErrorResponse{Error: err.Error(), Code: status}
	if k := poolerr.KindOf(err); k != poolerr.KindUnknown {
		resp.Kind = k.String()
	}
	countError(resp.Kind)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

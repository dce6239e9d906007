package web

import (
	"encoding/json"
	"net/http"

	"github.com/mapdev/ingestd/internal/logging"
)

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
}

// respondError logs the failure with request context and writes a JSON error
// body. Internal detail stays in the log; the client gets the message only.
func respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	log := logging.FromContext(r.Context())
	if err != nil {
		log.Error("request failed", "path", r.URL.Path, "status", status,
			"message", message, "error", err)
	} else {
		log.Warn("request rejected", "path", r.URL.Path, "status", status,
			"message", message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}

// respondJSON encodes v with the given status. Encoding errors are logged
// since headers are already sent.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode failed", "error", err)
	}
}

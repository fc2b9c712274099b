package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Envelope is the standard response wrapper for every JSON endpoint the
// admin surface serves: { "data": ..., "error": ... }. Recoverer and the
// package's own handlers both write through this same type, so a panic
// response looks exactly like any other error the admin API returns.
type Envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// WriteJSON encodes data into an Envelope and writes it with status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{Data: data}); err != nil {
		slog.Error("admin: failed to encode json response", "error", err)
	}
}

// WriteError encodes msg as an Envelope's Error field and writes it with
// status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{Error: msg}); err != nil {
		slog.Error("admin: failed to encode json response", "error", err)
	}
}

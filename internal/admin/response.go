package admin

import (
	"net/http"

	"github.com/flowpbx/pbx/internal/admin/middleware"
)

// envelope is an alias for middleware.Envelope so handlers in this package
// and Recoverer's panic response share one wire shape.
type envelope = middleware.Envelope

func writeJSON(w http.ResponseWriter, status int, data any) {
	middleware.WriteJSON(w, status, data)
}

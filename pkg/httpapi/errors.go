package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/videocompose/composer/pkg/composeerr"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeFacadeError maps a composeerr.Kind to spec.md §7's HTTP surfacing:
// InvalidArgument -> 400, NotFound -> 404 (also covers "unauthorized" per
// spec.md §7, which is made indistinguishable from unknown on purpose),
// IllegalState -> 400 with current_status, everything else -> 500.
func writeFacadeError(w http.ResponseWriter, err error, currentStatus string) {
	switch {
	case composeerr.Is(err, composeerr.KindInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case composeerr.Is(err, composeerr.KindNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
	case composeerr.Is(err, composeerr.KindIllegalState):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), CurrentStatus: currentStatus})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

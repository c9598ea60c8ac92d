package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"voip-notify/internal/callsession"
	"voip-notify/internal/provider"
	"voip-notify/internal/scheduler"
	"voip-notify/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeXML(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, callsession.ErrUnknownCall):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, scheduler.ErrInvalidReminder),
		errors.Is(err, scheduler.ErrInvalidDuration),
		errors.Is(err, provider.ErrInvalidCallback),
		errors.Is(err, callsession.ErrMissingRound):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrCampaignActive), errors.Is(err, store.ErrStateConflict):
		status, msg = http.StatusConflict, err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"voip-notify/internal/callsession"
	"voip-notify/internal/models"
)

// Calls is the call session surface exposed over HTTP.
type Calls interface {
	PlaceCall(ctx context.Context, req callsession.PlaceRequest) (*models.CallSession, []byte, error)
	HandleCallback(ctx context.Context, ev callsession.Event) (callsession.Reply, error)
	Get(ctx context.Context, callID string) (*models.CallSession, error)
	Transcript(ctx context.Context, callID string) ([]models.Turn, error)
}

type TaskCallRequest struct {
	Target          string `json:"target" validate:"required,e164"`
	TaskKind        string `json:"task_kind" validate:"required,oneof=appointment_reschedule restaurant_booking delivery_update general_task"`
	TaskDescription string `json:"task_description" validate:"required,max=500"`
}

type TranscriptResponse struct {
	CallID string        `json:"call_id"`
	Turns  []models.Turn `json:"turns"`
}

// PlaceTaskCallHandler starts a conversational call that works through a
// task on the caller's behalf.
func PlaceTaskCallHandler(calls Calls, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TaskCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
			return
		}
		if err := v.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		sess, _, err := calls.PlaceCall(r.Context(), callsession.PlaceRequest{
			Target:          req.Target,
			CallType:        models.CallTypeTask,
			TaskKind:        models.TaskKind(req.TaskKind),
			TaskDescription: req.TaskDescription,
			Attempt:         1,
		})
		if err != nil {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func GetCallHandler(calls Calls) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := calls.Get(r.Context(), chi.URLParam(r, "callID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func TranscriptHandler(calls Calls) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callID := chi.URLParam(r, "callID")
		turns, err := calls.Transcript(r.Context(), callID)
		if err != nil {
			writeError(w, err)
			return
		}
		if turns == nil {
			turns = []models.Turn{}
		}
		writeJSON(w, http.StatusOK, TranscriptResponse{CallID: callID, Turns: turns})
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"voip-notify/internal/models"
)

// Reminders is the reminder lifecycle the API drives.
type Reminders interface {
	Schedule(ctx context.Context, r *models.Reminder) (*models.Reminder, error)
	Snooze(ctx context.Context, id int64, token string) (*models.Reminder, error)
	Cancel(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

type ReminderReader interface {
	GetReminder(ctx context.Context, id int64) (*models.Reminder, error)
	ListReminders(ctx context.Context, ownerID int64) ([]models.Reminder, error)
}

type CreateReminderRequest struct {
	OwnerID     int64     `json:"owner_id" validate:"required,gt=0"`
	Title       string    `json:"title" validate:"required,max=200"`
	Description *string   `json:"description" validate:"omitempty,max=1000"`
	Target      string    `json:"target" validate:"required,e164"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
	Channel     string    `json:"channel" validate:"required,oneof=sms voice both"`
	MaxRetries  int       `json:"max_retries" validate:"gte=0,lte=10"`
}

type SnoozeRequest struct {
	Duration string `json:"duration" validate:"required"`
}

type ReminderListResponse struct {
	Items []models.Reminder `json:"items"`
}

func CreateReminderHandler(svc Reminders, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateReminderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
			return
		}
		if err := v.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		created, err := svc.Schedule(r.Context(), &models.Reminder{
			OwnerID:     req.OwnerID,
			Title:       req.Title,
			Description: req.Description,
			Target:      req.Target,
			ScheduledAt: req.ScheduledAt,
			Channel:     models.Channel(req.Channel),
			MaxRetries:  req.MaxRetries,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func ListRemindersHandler(rd ReminderReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
		if err != nil || owner <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "owner_id is required"})
			return
		}
		items, err := rd.ListReminders(r.Context(), owner)
		if err != nil {
			writeError(w, err)
			return
		}
		if items == nil {
			items = []models.Reminder{}
		}
		writeJSON(w, http.StatusOK, ReminderListResponse{Items: items})
	}
}

func GetReminderHandler(rd ReminderReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
			return
		}
		rem, err := rd.GetReminder(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rem)
	}
}

func SnoozeReminderHandler(svc Reminders, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
			return
		}
		var req SnoozeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
			return
		}
		if err := v.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		rem, err := svc.Snooze(r.Context(), id, req.Duration)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rem)
	}
}

func CancelReminderHandler(svc Reminders) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
			return
		}
		if err := svc.Cancel(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func DeleteReminderHandler(svc Reminders) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
			return
		}
		if err := svc.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

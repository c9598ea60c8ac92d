package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"voip-notify/internal/callxml"
	"voip-notify/internal/metrics"
	"voip-notify/internal/provider"
)

// Confirmer confirms wake-up campaigns from inbound text replies.
type Confirmer interface {
	ConfirmByReply(ctx context.Context, from, body string) (bool, error)
}

const replyConfirmed = "Thanks, you're confirmed awake. Have a great day!"

type GenericEventResponse struct {
	Applied   bool   `json:"applied"`
	Confirmed bool   `json:"confirmed,omitempty"`
	Document  string `json:"document,omitempty"`
}

func VoiceStatusHandler(calls Calls, clock clockwork.Clock, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := provider.TwilioStatus(r.PostForm, clock.Now())
		if err != nil {
			log.Warn("bad voice status callback", zap.Error(err))
			writeError(w, err)
			return
		}
		if _, err := calls.HandleCallback(r.Context(), ev); err != nil {
			log.Warn("voice status callback failed", zap.String("call_id", ev.CallID), zap.Error(err))
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func GatherHandler(calls Calls, clock clockwork.Clock, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := provider.TwilioGather(r.PostForm, r.URL.Query().Get("seq"), clock.Now())
		if err != nil {
			log.Warn("bad gather callback", zap.Error(err))
			writeError(w, err)
			return
		}
		reply, err := calls.HandleCallback(r.Context(), ev)
		if err != nil {
			log.Warn("gather callback failed", zap.String("call_id", ev.CallID), zap.Error(err))
			writeError(w, err)
			return
		}
		writeXML(w, reply.Document)
	}
}

func SMSStatusHandler(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := provider.TwilioSMSStatus(r.PostForm)
		if err != nil {
			writeError(w, err)
			return
		}
		logSMSStatus(log, st)
		w.WriteHeader(http.StatusNoContent)
	}
}

func InboundSMSHandler(confirmer Confirmer, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := provider.TwilioInboundSMS(r.PostForm)
		if err != nil {
			writeError(w, err)
			return
		}
		confirmed, err := confirmer.ConfirmByReply(r.Context(), in.From, in.Body)
		if err != nil {
			log.Error("failed to apply sms reply", zap.String("message_id", in.MessageID), zap.Error(err))
			writeError(w, err)
			return
		}
		metrics.Callbacks.WithLabelValues("sms.received", strconv.FormatBool(confirmed)).Inc()

		doc := callxml.New()
		if confirmed {
			doc.Message(replyConfirmed)
		}
		out, err := doc.Render()
		if err != nil {
			writeError(w, err)
			return
		}
		writeXML(w, out)
	}
}

// GenericEventHandler accepts provider-neutral JSON callbacks.
func GenericEventHandler(calls Calls, confirmer Confirmer, clock clockwork.Clock, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
			return
		}
		cb, err := provider.ParseGeneric(body, clock.Now())
		if err != nil {
			writeError(w, err)
			return
		}

		switch {
		case cb.Call != nil:
			reply, err := calls.HandleCallback(r.Context(), *cb.Call)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, GenericEventResponse{Applied: reply.Applied, Document: string(reply.Document)})
		case cb.Inbound != nil:
			confirmed, err := confirmer.ConfirmByReply(r.Context(), cb.Inbound.From, cb.Inbound.Body)
			if err != nil {
				writeError(w, err)
				return
			}
			metrics.Callbacks.WithLabelValues("sms.received", strconv.FormatBool(confirmed)).Inc()
			writeJSON(w, http.StatusOK, GenericEventResponse{Applied: true, Confirmed: confirmed})
		default:
			logSMSStatus(log, *cb.SMSStatus)
			writeJSON(w, http.StatusOK, GenericEventResponse{Applied: true})
		}
	}
}

func logSMSStatus(log *zap.Logger, st provider.SMSStatus) {
	metrics.Callbacks.WithLabelValues("sms."+st.Status, "true").Inc()
	fields := []zap.Field{zap.String("message_id", st.MessageID), zap.String("status", st.Status)}
	if st.ErrorCode != 0 {
		log.Warn("sms delivery problem", append(fields, zap.Int("error_code", st.ErrorCode))...)
		return
	}
	log.Debug("sms status", fields...)
}

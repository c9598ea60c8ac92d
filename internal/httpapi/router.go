package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"voip-notify/internal/callsession"
	"voip-notify/internal/config"
	"voip-notify/internal/gateway/twilio"
	"voip-notify/internal/provider"
)

const (
	InboundSMSPath    = "/provider/sms/inbound"
	GenericEventsPath = "/provider/events"
)

type Deps struct {
	Config    *config.Config
	DB        Pinger
	Reminders Reminders
	Reader    ReminderReader
	Calls     Calls
	Confirmer Confirmer
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	cfg, log := d.Config, d.Logger
	v := validator.New()
	sig := provider.NewSignatureValidator(cfg.Twilio.AuthToken)

	r := chi.NewRouter()

	r.Use(LoggingMiddleware(log))
	r.Use(RecoverMiddleware(log))

	r.Get("/health", HealthHandler(d.DB))
	r.Get("/version", VersionHandler())
	r.Handle("/metrics", promhttp.Handler())

	// Provider webhooks
	r.Group(func(tw chi.Router) {
		tw.Use(ProviderSignature(cfg, sig, log))
		tw.Post(twilio.VoiceStatusPath, VoiceStatusHandler(d.Calls, d.Clock, log))
		tw.Post(callsession.GatherPath, GatherHandler(d.Calls, d.Clock, log))
		tw.Post(twilio.SMSStatusPath, SMSStatusHandler(log))
		tw.Post(InboundSMSPath, InboundSMSHandler(d.Confirmer, log))
	})
	r.With(APIKeyAuth(cfg)).Post(GenericEventsPath, GenericEventHandler(d.Calls, d.Confirmer, d.Clock, log))

	// External APIs
	r.Route("/api", func(api chi.Router) {
		api.Use(APIKeyAuth(cfg))

		api.Post("/reminders", CreateReminderHandler(d.Reminders, v))
		api.Get("/reminders", ListRemindersHandler(d.Reader))
		api.Get("/reminders/{id}", GetReminderHandler(d.Reader))
		api.Post("/reminders/{id}/snooze", SnoozeReminderHandler(d.Reminders, v))
		api.Post("/reminders/{id}/cancel", CancelReminderHandler(d.Reminders))
		api.Delete("/reminders/{id}", DeleteReminderHandler(d.Reminders))

		api.Post("/calls", PlaceTaskCallHandler(d.Calls, v))
		api.Get("/calls/{callID}", GetCallHandler(d.Calls))
		api.Get("/calls/{callID}/transcript", TranscriptHandler(d.Calls))
	})

	return r
}

// Package twilio adapts the Twilio REST API to gateway.Gateway.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	twilio "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"voip-notify/internal/config"
	"voip-notify/internal/gateway"
	"voip-notify/internal/models"
)

const (
	VoiceStatusPath = "/provider/voice/status"
	SMSStatusPath   = "/provider/sms/status"
)

// fatalCodes are Twilio error codes that retrying cannot fix.
var fatalCodes = map[int]struct{}{
	20003: {}, // authentication failed
	20404: {}, // resource (account) not found
	21211: {}, // invalid To number
	21214: {}, // To number cannot be reached
	21215: {}, // geo permission
	21217: {}, // To number not valid for voice
	21606: {}, // From number not SMS capable
	21610: {}, // recipient unsubscribed
	21614: {}, // To is not a mobile number
}

type api interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

type Gateway struct {
	api         api
	from        string
	baseURL     string
	ringTimeout int
	log         *zap.Logger
}

var _ gateway.Gateway = (*Gateway)(nil)

func New(cfg config.TwilioConfig, log *zap.Logger) *Gateway {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newWithAPI(rest.Api, cfg, log)
}

func newWithAPI(a api, cfg config.TwilioConfig, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		api:         a,
		from:        cfg.FromNumber,
		baseURL:     strings.TrimRight(cfg.WebhookBaseURL, "/"),
		ringTimeout: cfg.RingTimeoutSeconds,
		log:         log,
	}
}

func (g *Gateway) SendSMS(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", gateway.ErrTransient, err)
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(g.from)
	params.SetBody(body)
	if g.baseURL != "" {
		params.SetStatusCallback(g.baseURL + SMSStatusPath)
	}

	resp, err := g.api.CreateMessage(params)
	if err != nil {
		g.log.Warn("twilio send sms failed", zap.String("to", to), zap.Error(err))
		return "", classify(err)
	}
	if resp == nil || resp.Sid == nil {
		return "", &gateway.ProviderError{Kind: models.ErrorTransient, Message: "message created without sid"}
	}
	g.log.Info("sent sms", zap.String("message_id", *resp.Sid), zap.String("to", to))
	return *resp.Sid, nil
}

func (g *Gateway) MakeCall(ctx context.Context, to string, instructions []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", gateway.ErrTransient, err)
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(g.from)
	params.SetTwiml(string(instructions))
	if g.ringTimeout > 0 {
		params.SetTimeout(g.ringTimeout)
	}
	if g.baseURL != "" {
		params.SetStatusCallback(g.baseURL + VoiceStatusPath)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}

	resp, err := g.api.CreateCall(params)
	if err != nil {
		g.log.Warn("twilio create call failed", zap.String("to", to), zap.Error(err))
		return "", classify(err)
	}
	if resp == nil || resp.Sid == nil {
		return "", &gateway.ProviderError{Kind: models.ErrorTransient, Message: "call created without sid"}
	}
	g.log.Info("placed call", zap.String("call_id", *resp.Sid), zap.String("to", to))
	return *resp.Sid, nil
}

func classify(err error) error {
	var restErr *client.TwilioRestError
	if !errors.As(err, &restErr) {
		return &gateway.ProviderError{Kind: models.ErrorTransient, Message: err.Error()}
	}

	kind := models.ErrorTransient
	if _, ok := fatalCodes[restErr.Code]; ok {
		kind = models.ErrorFatal
	} else if restErr.Status == http.StatusUnauthorized || restErr.Status == http.StatusForbidden {
		kind = models.ErrorFatal
	}
	return &gateway.ProviderError{Kind: kind, Code: restErr.Code, Message: restErr.Message}
}

// IsFatalCode reports whether a provider error code reported in a callback
// should end the campaign's voice attempts.
func IsFatalCode(code int) bool {
	_, ok := fatalCodes[code]
	return ok
}

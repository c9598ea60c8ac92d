package twilio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap/zaptest"

	"voip-notify/internal/config"
	"voip-notify/internal/gateway"
)

type fakeAPI struct {
	callParams *openapi.CreateCallParams
	msgParams  *openapi.CreateMessageParams
	err        error
}

func (f *fakeAPI) CreateCall(p *openapi.CreateCallParams) (*openapi.ApiV2010Call, error) {
	f.callParams = p
	if f.err != nil {
		return nil, f.err
	}
	sid := "CA123"
	return &openapi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeAPI) CreateMessage(p *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	f.msgParams = p
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &openapi.ApiV2010Message{Sid: &sid}, nil
}

func testConfig() config.TwilioConfig {
	return config.TwilioConfig{
		FromNumber:         "+15550009999",
		WebhookBaseURL:     "https://notify.example.com/",
		RingTimeoutSeconds: 30,
	}
}

func TestMakeCall(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	g := newWithAPI(api, testConfig(), zaptest.NewLogger(t))

	id, err := g.MakeCall(context.Background(), "+15550001111", []byte("<Response></Response>"))
	require.NoError(t, err)
	assert.Equal(t, "CA123", id)

	require.NotNil(t, api.callParams)
	assert.Equal(t, "+15550001111", *api.callParams.To)
	assert.Equal(t, "+15550009999", *api.callParams.From)
	assert.Equal(t, "<Response></Response>", *api.callParams.Twiml)
	assert.Equal(t, "https://notify.example.com/provider/voice/status", *api.callParams.StatusCallback)
	assert.Equal(t, 30, *api.callParams.Timeout)
}

func TestSendSMS(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	g := newWithAPI(api, testConfig(), nil)

	id, err := g.SendSMS(context.Background(), "+15550001111", "Wake up")
	require.NoError(t, err)
	assert.Equal(t, "SM123", id)
	assert.Equal(t, "Wake up", *api.msgParams.Body)
	assert.Equal(t, "https://notify.example.com/provider/sms/status", *api.msgParams.StatusCallback)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantFatal bool
		wantCode  int
	}{
		{name: "invalid number", err: &client.TwilioRestError{Code: 21211, Status: 400, Message: "invalid To"}, wantFatal: true, wantCode: 21211},
		{name: "auth failure", err: &client.TwilioRestError{Code: 20003, Status: 401}, wantFatal: true, wantCode: 20003},
		{name: "rate limited", err: &client.TwilioRestError{Code: 20429, Status: 429}, wantCode: 20429},
		{name: "server error", err: &client.TwilioRestError{Code: 20500, Status: 500}, wantCode: 20500},
		{name: "network", err: errors.New("dial tcp: timeout")},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := newWithAPI(&fakeAPI{err: tc.err}, testConfig(), nil)
			_, err := g.MakeCall(context.Background(), "+1", nil)
			require.Error(t, err)

			assert.Equal(t, tc.wantFatal, errors.Is(err, gateway.ErrFatal))
			assert.Equal(t, !tc.wantFatal, errors.Is(err, gateway.ErrTransient))

			var perr *gateway.ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.wantCode, perr.Code)
		})
	}
}

package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voip-notify/internal/callsession"
	"voip-notify/internal/models"
)

var now = time.Date(2025, 3, 4, 6, 30, 0, 0, time.UTC)

func TestTwilioStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		form     url.Values
		wantType callsession.EventType
		wantKind models.ErrorKind
		wantErr  bool
	}{
		{
			name:     "ringing",
			form:     url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}},
			wantType: callsession.EventRinging,
		},
		{
			name:     "in progress is answered",
			form:     url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}},
			wantType: callsession.EventAnswered,
		},
		{
			name:     "no answer",
			form:     url.Values{"CallSid": {"CA1"}, "CallStatus": {"no-answer"}},
			wantType: callsession.EventNoAnswer,
		},
		{
			name:     "failed with invalid number is fatal",
			form:     url.Values{"CallSid": {"CA1"}, "CallStatus": {"failed"}, "ErrorCode": {"21211"}},
			wantType: callsession.EventFailed,
			wantKind: models.ErrorFatal,
		},
		{
			name:     "failed without code is transient",
			form:     url.Values{"CallSid": {"CA1"}, "CallStatus": {"failed"}},
			wantType: callsession.EventFailed,
			wantKind: models.ErrorTransient,
		},
		{
			name:     "canceled maps to failed",
			form:     url.Values{"CallSid": {"CA1"}, "CallStatus": {"canceled"}},
			wantType: callsession.EventFailed,
			wantKind: models.ErrorTransient,
		},
		{
			name:    "missing sid",
			form:    url.Values{"CallStatus": {"ringing"}},
			wantErr: true,
		},
		{
			name:    "unknown status",
			form:    url.Values{"CallSid": {"CA1"}, "CallStatus": {"exploded"}},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ev, err := TwilioStatus(tc.form, now)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCallback)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "CA1", ev.CallID)
			assert.Equal(t, tc.wantType, ev.Type)
			assert.Equal(t, tc.wantKind, ev.ErrorKind)
			assert.Equal(t, now, ev.ReceivedAt)
		})
	}
}

func TestTwilioGather(t *testing.T) {
	t.Parallel()

	ev, err := TwilioGather(url.Values{"CallSid": {"CA1"}, "Digits": {"1"}}, "2", now)
	require.NoError(t, err)
	assert.Equal(t, callsession.EventKeypress, ev.Type)
	assert.Equal(t, 2, ev.Sequence)
	assert.Equal(t, "1", ev.Digits)

	ev, err = TwilioGather(url.Values{"CallSid": {"CA1"}, "SpeechResult": {" I'm up "}}, "1", now)
	require.NoError(t, err)
	assert.Equal(t, callsession.EventSpeech, ev.Type)
	assert.Equal(t, "I'm up", ev.Speech)

	ev, err = TwilioGather(url.Values{"CallSid": {"CA1"}}, "1", now)
	require.NoError(t, err)
	assert.Equal(t, callsession.EventTimeout, ev.Type)

	_, err = TwilioGather(url.Values{"CallSid": {"CA1"}}, "zero", now)
	assert.ErrorIs(t, err, ErrInvalidCallback)
	_, err = TwilioGather(url.Values{"CallSid": {"CA1"}}, "0", now)
	assert.ErrorIs(t, err, ErrInvalidCallback)
}

func TestTwilioSMS(t *testing.T) {
	t.Parallel()

	st, err := TwilioSMSStatus(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30003"}})
	require.NoError(t, err)
	assert.Equal(t, SMSStatus{MessageID: "SM1", Status: "undelivered", ErrorCode: 30003}, st)

	_, err = TwilioSMSStatus(url.Values{})
	assert.ErrorIs(t, err, ErrInvalidCallback)

	in, err := TwilioInboundSMS(url.Values{"MessageSid": {"SM2"}, "From": {"+15550001111"}, "To": {"+15550002222"}, "Body": {"Awake"}})
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", in.From)
	assert.Equal(t, "Awake", in.Body)

	_, err = TwilioInboundSMS(url.Values{"Body": {"hi"}})
	assert.ErrorIs(t, err, ErrInvalidCallback)
}

func TestParseGeneric(t *testing.T) {
	t.Parallel()

	cb, err := ParseGeneric([]byte(`{"event_type":"call.keypress","call_id":"c-1","sequence":1,"payload":{"digits":"1"}}`), now)
	require.NoError(t, err)
	require.NotNil(t, cb.Call)
	assert.Equal(t, callsession.EventKeypress, cb.Call.Type)
	assert.Equal(t, 1, cb.Call.Sequence)
	assert.Equal(t, "1", cb.Call.Digits)

	cb, err = ParseGeneric([]byte(`{"event_type":"call.error","call_id":"c-1"}`), now)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorFatal, cb.Call.ErrorKind)

	cb, err = ParseGeneric([]byte(`{"event_type":"call.error","call_id":"c-1","payload":{"error_code":31005}}`), now)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorFatal, cb.Call.ErrorKind, "error callbacks are fatal whatever the code")

	cb, err = ParseGeneric([]byte(`{"event_type":"call.failed","call_id":"c-1","payload":{"error_code":31005}}`), now)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorTransient, cb.Call.ErrorKind)

	cb, err = ParseGeneric([]byte(`{"event_type":"sms.received","message_id":"m-1","payload":{"from":"+1555","body":"awake"}}`), now)
	require.NoError(t, err)
	require.NotNil(t, cb.Inbound)
	assert.Equal(t, "awake", cb.Inbound.Body)

	cb, err = ParseGeneric([]byte(`{"event_type":"sms.delivered","message_id":"m-1"}`), now)
	require.NoError(t, err)
	require.NotNil(t, cb.SMSStatus)
	assert.Equal(t, "delivered", cb.SMSStatus.Status)

	for _, raw := range []string{
		`not json`,
		`{"event_type":"call.teleport","call_id":"c-1"}`,
		`{"event_type":"call.answered"}`,
		`{"event_type":"sms.received","payload":{}}`,
		`{"event_type":"call.keypress","call_id":"c-1","payload":{"digits":"2"}}`,
		`{"event_type":"call.speech","call_id":"c-1","sequence":0,"payload":{"speech_result":"yes"}}`,
		`{"event_type":"call.gather_timeout","call_id":"c-1"}`,
	} {
		_, err := ParseGeneric([]byte(raw), now)
		assert.ErrorIs(t, err, ErrInvalidCallback, raw)
	}
}

func TestSignatureValidatorRejectsMissingSignature(t *testing.T) {
	t.Parallel()

	v := NewSignatureValidator("token")
	assert.False(t, v.ValidForm("https://example.com/provider/voice/status", url.Values{"CallSid": {"CA1"}}, ""))
	assert.False(t, v.ValidForm("https://example.com/provider/voice/status", url.Values{"CallSid": {"CA1"}}, "bogus"))
}

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidatorAcceptsSignedForm(t *testing.T) {
	t.Parallel()

	const target = "https://notify.example.com/provider/voice/status"
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}

	v := NewSignatureValidator("secret")
	assert.True(t, v.ValidForm(target, form, sign("secret", target, form)))
	assert.False(t, v.ValidForm(target, form, sign("other", target, form)))
}

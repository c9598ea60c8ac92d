package provider

import (
	"net/url"

	"github.com/twilio/twilio-go/client"
)

const SignatureHeader = "X-Twilio-Signature"

// SignatureValidator checks that a callback was signed with the account's
// auth token.
type SignatureValidator struct {
	rv client.RequestValidator
}

func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{rv: client.NewRequestValidator(authToken)}
}

// ValidForm checks a form-encoded callback posted to fullURL.
func (v *SignatureValidator) ValidForm(fullURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	return v.rv.Validate(fullURL, params, signature)
}

package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"voip-notify/internal/config"
	"voip-notify/internal/provider"
)

func APIKeyAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				http.Error(w, "api key required", http.StatusUnauthorized)
				return
			}
			ok := false
			for _, k := range cfg.APIKeys {
				if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) == 1 {
					ok = true
					break
				}
			}
			if !ok {
				http.Error(w, "invalid api key", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ProviderSignature rejects form callbacks that were not signed with the
// provider auth token. The form is parsed here so handlers read r.PostForm.
func ProviderSignature(cfg *config.Config, v *provider.SignatureValidator, log *zap.Logger) func(http.Handler) http.Handler {
	base := strings.TrimRight(cfg.Twilio.WebhookBaseURL, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				http.Error(w, "invalid form", http.StatusBadRequest)
				return
			}
			if cfg.Twilio.ValidateSignatures {
				fullURL := base + r.URL.RequestURI()
				if !v.ValidForm(fullURL, r.PostForm, r.Header.Get(provider.SignatureHeader)) {
					log.Warn("rejected unsigned provider callback", zap.String("path", r.URL.Path))
					http.Error(w, "invalid signature", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

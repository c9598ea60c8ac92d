// Package gateway is the outbound boundary to the telephony provider.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"voip-notify/internal/metrics"
	"voip-notify/internal/models"
)

var (
	ErrTransient = errors.New("transient provider error")
	ErrFatal     = errors.New("fatal provider error")
)

// Gateway sends text messages and places voice calls.
type Gateway interface {
	SendSMS(ctx context.Context, to, body string) (messageID string, err error)
	MakeCall(ctx context.Context, to string, instructions []byte) (callID string, err error)
}

// ProviderError is returned by Gateway implementations for provider-side failures.
type ProviderError struct {
	Kind    models.ErrorKind
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	if e.Kind == models.ErrorFatal {
		return ErrFatal
	}
	return ErrTransient
}

// Classify maps an error from a Gateway to the retry taxonomy. Errors that
// carry no provider classification are treated as transient.
func Classify(err error) models.ErrorKind {
	switch {
	case err == nil:
		return models.ErrorNone
	case errors.Is(err, ErrFatal):
		return models.ErrorFatal
	default:
		return models.ErrorTransient
	}
}

// Limited wraps a Gateway and paces outbound calls through a token bucket.
type Limited struct {
	next    Gateway
	limiter *rate.Limiter
}

func NewLimited(next Gateway, callsPerSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if callsPerSecond > 0 {
		limit = rate.Limit(callsPerSecond)
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) SendSMS(ctx context.Context, to, body string) (string, error) {
	id, err := l.next.SendSMS(ctx, to, body)
	metrics.GatewayRequests.WithLabelValues("sms", outcome(err)).Inc()
	return id, err
}

func (l *Limited) MakeCall(ctx context.Context, to string, instructions []byte) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limit wait: %v", ErrTransient, err)
	}
	id, err := l.next.MakeCall(ctx, to, instructions)
	metrics.GatewayRequests.WithLabelValues("call", outcome(err)).Inc()
	return id, err
}

func outcome(err error) string {
	switch Classify(err) {
	case models.ErrorNone:
		return "ok"
	case models.ErrorFatal:
		return "fatal"
	default:
		return "transient"
	}
}

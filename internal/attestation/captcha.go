package attestation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// CaptchaMode selects which provider's siteverify endpoint to call.
type CaptchaMode string

const (
	ModeOff        CaptchaMode = "off"
	ModeTurnstile  CaptchaMode = "turnstile"
	ModeRecaptcha  CaptchaMode = "recaptcha"
)

const (
	turnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	recaptchaVerifyURL = "https://www.google.com/recaptcha/api/siteverify"
)

// CaptchaVerifier re-verifies a client-submitted captcha token against
// the configured provider's siteverify endpoint (spec §4.4 step 1).
type CaptchaVerifier struct {
	client          *resty.Client
	turnstileSecret string
	recaptchaSecret string

	// turnstileURL / recaptchaURL default to the real provider
	// endpoints; tests override them to point at a local server.
	turnstileURL string
	recaptchaURL string
}

type turnstileRequest struct {
	Secret   string `json:"secret"`
	Response string `json:"response"`
}

type siteverifyResponse struct {
	Success bool `json:"success"`
}

// NewCaptchaVerifier builds a verifier using httpClient for outbound
// calls (the relay's shared proxy-aware transport).
func NewCaptchaVerifier(httpClient *http.Client, turnstileSecret, recaptchaSecret string) *CaptchaVerifier {
	client := resty.NewWithClient(httpClient)
	client.SetTimeout(10 * time.Second)
	return &CaptchaVerifier{
		client:          client,
		turnstileSecret: turnstileSecret,
		recaptchaSecret: recaptchaSecret,
		turnstileURL:    turnstileVerifyURL,
		recaptchaURL:    recaptchaVerifyURL,
	}
}

// Verify re-checks token with the provider identified by mode. Turnstile
// takes a JSON body; reCAPTCHA takes a form-encoded body (spec §4.4).
func (v *CaptchaVerifier) Verify(ctx context.Context, mode CaptchaMode, token string) (bool, error) {
	switch mode {
	case ModeOff:
		return true, nil
	case ModeTurnstile:
		return v.verifyTurnstile(ctx, token)
	case ModeRecaptcha:
		return v.verifyRecaptcha(ctx, token)
	default:
		return false, fmt.Errorf("unknown captcha mode %q", mode)
	}
}

func (v *CaptchaVerifier) verifyTurnstile(ctx context.Context, token string) (bool, error) {
	var result siteverifyResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(turnstileRequest{Secret: v.turnstileSecret, Response: token}).
		SetResult(&result).
		Post(v.turnstileURL)
	if err != nil {
		return false, fmt.Errorf("turnstile siteverify: %w", err)
	}
	if resp.StatusCode() >= 500 {
		return false, fmt.Errorf("turnstile siteverify: status %d", resp.StatusCode())
	}
	return result.Success, nil
}

func (v *CaptchaVerifier) verifyRecaptcha(ctx context.Context, token string) (bool, error) {
	var result siteverifyResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"secret":   v.recaptchaSecret,
			"response": token,
		}).
		SetResult(&result).
		Post(v.recaptchaURL)
	if err != nil {
		return false, fmt.Errorf("recaptcha siteverify: %w", err)
	}
	if resp.StatusCode() >= 500 {
		return false, fmt.Errorf("recaptcha siteverify: status %d", resp.StatusCode())
	}
	if !result.Success {
		slog.Debug("recaptcha siteverify rejected token")
	}
	return result.Success, nil
}

// NextMode advances the (enable_verify, captcha_mode) pair driven by
// the admin console's "rotate_mode" callback (spec §4.8):
// on+turnstile → on+recaptcha → off+(unchanged) → on+turnstile.
func NextMode(enabled bool, mode CaptchaMode) (bool, CaptchaMode) {
	switch {
	case enabled && mode == ModeTurnstile:
		return true, ModeRecaptcha
	case enabled && mode == ModeRecaptcha:
		return false, mode
	default:
		return true, ModeTurnstile
	}
}

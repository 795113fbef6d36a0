package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const defaultPaypalAPIURL = "https://api-m.paypal.com"

// PaypalVerifier checks webhook deliveries through PayPal's
// verify-webhook-signature endpoint.
type PaypalVerifier struct {
	APIURL       string
	ClientID     string
	ClientSecret string
	WebhookID    string
	HTTPClient   *http.Client
}

func NewPaypalVerifierFromEnv() *PaypalVerifier {
	return &PaypalVerifier{
		APIURL:       strings.TrimRight(strings.TrimSpace(env.GetEnv("PAYPAL_API_URL", defaultPaypalAPIURL)), "/"),
		ClientID:     strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_ID", "")),
		ClientSecret: strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_SECRET", "")),
		WebhookID:    strings.TrimSpace(env.GetEnv("PAYPAL_WEBHOOK_ID", "")),
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// PaypalHeaders are the transmission headers PayPal signs.
type PaypalHeaders struct {
	AuthAlgo         string
	CertURL          string
	TransmissionID   string
	TransmissionSig  string
	TransmissionTime string
}

func (v *PaypalVerifier) Configured() bool {
	return v.ClientID != "" && v.ClientSecret != "" && v.WebhookID != ""
}

func (v *PaypalVerifier) Verify(ctx context.Context, h PaypalHeaders, payload []byte) (bool, error) {
	if !v.Configured() {
		return false, errors.New("PAYPAL_CLIENT_ID/PAYPAL_CLIENT_SECRET/PAYPAL_WEBHOOK_ID are not configured")
	}
	if h.TransmissionID == "" || h.TransmissionSig == "" {
		return false, nil
	}
	if !json.Valid(payload) {
		return false, nil
	}

	token, err := v.accessToken(ctx)
	if err != nil {
		return false, err
	}

	body, err := json.Marshal(map[string]interface{}{
		"auth_algo":         h.AuthAlgo,
		"cert_url":          h.CertURL,
		"transmission_id":   h.TransmissionID,
		"transmission_sig":  h.TransmissionSig,
		"transmission_time": h.TransmissionTime,
		"webhook_id":        v.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.APIURL+"/v1/notifications/verify-webhook-signature", strings.NewReader(string(body)))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: paypal verify: %w", ErrProviderLookup, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &ProviderError{Provider: "paypal", Op: "verify", StatusCode: resp.StatusCode, Message: string(raw)}
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("%w: paypal verify: %w", ErrProviderLookup, err)
	}
	return strings.EqualFold(out.VerificationStatus, "SUCCESS"), nil
}

func (v *PaypalVerifier) accessToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.APIURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(v.ClientID, v.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: paypal token: %w", ErrProviderLookup, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ProviderError{Provider: "paypal", Op: "token", StatusCode: resp.StatusCode, Message: string(raw)}
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: paypal token: %w", ErrProviderLookup, err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: paypal token exchange returned empty access_token", ErrProviderLookup)
	}
	return out.AccessToken, nil
}

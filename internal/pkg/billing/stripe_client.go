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

	"golang.org/x/time/rate"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com/v1"

// StripeAPI is the slice of the Stripe REST API the reconciler needs for
// identity and plan recovery.
type StripeAPI interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
	PriceProduct(ctx context.Context, priceID string) (string, error)
}

type StripeClient struct {
	SecretKey  string
	APIBaseURL string
	HTTPClient *http.Client
	limiter    *rate.Limiter
}

func NewStripeClientFromEnv() *StripeClient {
	rps := env.GetEnvInt("STRIPE_API_RPS", 10)
	return NewStripeClient(
		strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		strings.TrimSpace(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL)),
		rps,
	)
}

func NewStripeClient(secretKey, baseURL string, rps int) *StripeClient {
	if rps <= 0 {
		rps = 10
	}
	if baseURL == "" {
		baseURL = defaultStripeAPIBaseURL
	}
	return &StripeClient{
		SecretKey:  secretKey,
		APIBaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (c *StripeClient) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	var out struct {
		Email   string `json:"email"`
		Deleted bool   `json:"deleted"`
	}
	if err := c.get(ctx, "customer", "/customers/"+url.PathEscape(customerID), &out); err != nil {
		return "", err
	}
	if out.Deleted {
		return "", &ProviderError{Provider: "stripe", Op: "customer", StatusCode: http.StatusGone, Message: "customer deleted"}
	}
	return strings.TrimSpace(out.Email), nil
}

func (c *StripeClient) PriceProduct(ctx context.Context, priceID string) (string, error) {
	var out struct {
		Product idOrObject `json:"product"`
	}
	if err := c.get(ctx, "price", "/prices/"+url.PathEscape(priceID), &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out.Product)), nil
}

func (c *StripeClient) get(ctx context.Context, op, path string, v interface{}) error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return fmt.Errorf("%w: %w", ErrProviderLookup, errors.New("STRIPE_SECRET_KEY is not configured"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrProviderLookup, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.SecretKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: stripe %s: %w", ErrProviderLookup, op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Provider: "stripe", Op: op, StatusCode: resp.StatusCode, Message: string(body)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: stripe %s: %w", ErrProviderLookup, op, err)
	}
	return nil
}

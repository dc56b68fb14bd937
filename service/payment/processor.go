package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Processor is the external payment rails. Every call carries an
// idempotency key; retrying with the same key must be safe.
type Processor interface {
	Authorize(ctx context.Context, amountCents int64, currency, idempotencyKey string) (string, error)
	Capture(ctx context.Context, intentID, idempotencyKey string) error
	Refund(ctx context.Context, intentID string, amountCents int64, idempotencyKey string) error
	Payout(ctx context.Context, connectedAccountID string, amountCents int64, currency, idempotencyKey string) (string, error)
}

// StripeClient talks to the Stripe REST API. Authorizations are
// manual-capture payment intents; payouts go to the provider's connected
// account.
type StripeClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewStripeClient() *StripeClient {
	return &StripeClient{
		baseURL:   "https://api.stripe.com/v1",
		secretKey: os.Getenv("STRIPE_SECRET_KEY"),
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewStripeClientWithBase is used by tests to point at a stub server.
func NewStripeClientWithBase(baseURL, secretKey string) *StripeClient {
	return &StripeClient{
		baseURL:   baseURL,
		secretKey: secretKey,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

type stripeObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *StripeClient) Authorize(ctx context.Context, amountCents int64, currency, idempotencyKey string) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", currency)
	form.Set("capture_method", "manual")
	form.Set("confirm", "true")

	obj, err := c.post(ctx, "/payment_intents", form, idempotencyKey, "")
	if err != nil {
		return "", err
	}
	return obj.ID, nil
}

func (c *StripeClient) Capture(ctx context.Context, intentID, idempotencyKey string) error {
	_, err := c.post(ctx, "/payment_intents/"+intentID+"/capture", url.Values{}, idempotencyKey, "")
	return err
}

func (c *StripeClient) Refund(ctx context.Context, intentID string, amountCents int64, idempotencyKey string) error {
	form := url.Values{}
	form.Set("payment_intent", intentID)
	form.Set("amount", strconv.FormatInt(amountCents, 10))

	_, err := c.post(ctx, "/refunds", form, idempotencyKey, "")
	return err
}

func (c *StripeClient) Payout(ctx context.Context, connectedAccountID string, amountCents int64, currency, idempotencyKey string) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", currency)

	obj, err := c.post(ctx, "/payouts", form, idempotencyKey, connectedAccountID)
	if err != nil {
		return "", err
	}
	return obj.ID, nil
}

func (c *StripeClient) post(ctx context.Context, path string, form url.Values, idempotencyKey, stripeAccount string) (*stripeObject, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if stripeAccount != "" {
		req.Header.Set("Stripe-Account", stripeAccount)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stripe request: %w", err)
	}
	defer resp.Body.Close()

	var obj stripeObject
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("stripe response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if obj.Error != nil {
			return nil, fmt.Errorf("stripe %s: %s", path, obj.Error.Message)
		}
		return nil, fmt.Errorf("stripe %s: status %d", path, resp.StatusCode)
	}
	return &obj, nil
}

package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
)

// Client calls the commerce backend endpoints the checkout depends on.
type Client struct {
	base string
	http resilience.HTTPClient
}

// NewHTTPClient returns an instrumented HTTP client for backend calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// New builds a client for baseURL sending requests through hc.
func New(baseURL string, hc resilience.HTTPClient) *Client {
	return &Client{base: baseURL, http: hc}
}

func (c *Client) CreateIntent(ctx context.Context, req CreateIntentRequest) (CreateIntentResponse, error) {
	var out CreateIntentResponse
	err := c.post(ctx, "/checkout-create-intent", req, &out)
	if err == nil && out.ID == "" {
		err = fmt.Errorf("%w: create intent returned no id", ErrMalformed)
	}
	return out, err
}

func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResponse, error) {
	var out ConfirmResponse
	err := c.post(ctx, "/checkout-confirm", req, &out)
	return out, err
}

func (c *Client) Capture(ctx context.Context, req CaptureRequest) (CaptureResponse, error) {
	var out CaptureResponse
	err := c.post(ctx, "/capture", req, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, req CancelRequest) error {
	return c.post(ctx, "/checkout-cancel", req, nil)
}

func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResponse, error) {
	var out AuthorizeResponse
	err := c.post(ctx, "/authorize-order", req, &out)
	return out, err
}

func (c *Client) ConfirmVoucher(ctx context.Context, req VoucherRequest) (VoucherResponse, error) {
	var out VoucherResponse
	err := c.post(ctx, "/confirm-voucher", req, &out)
	return out, err
}

func (c *Client) SendOrderEmails(ctx context.Context, req EmailRequest) error {
	return c.post(ctx, "/send-order-emails", req, nil)
}

func (c *Client) CalculateShipping(ctx context.Context, req ShippingRequest) (ShippingResponse, error) {
	var out ShippingResponse
	err := c.post(ctx, "/shipping/calculate", req, &out)
	return out, err
}

func (c *Client) UpdatePaymentStatus(ctx context.Context, req PaymentStatusRequest) error {
	return c.post(ctx, "/payment-status", req, nil)
}

func (c *Client) post(ctx context.Context, path string, in, out any) (err error) {
	ctx, span := obs.StartSpan(ctx, "checkout.commerce", "commerce "+path, attribute.String("commerce.endpoint", path))
	defer func() { obs.EndSpan(span, err) }()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("commerce: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("commerce: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, path, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, path, &resilience.StatusError{Code: resp.StatusCode, Body: raw})
	case resp.StatusCode >= 400:
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			apiErr = envelope.Error
			apiErr.Status = resp.StatusCode
		} else {
			_ = json.Unmarshal(raw, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return nil
}

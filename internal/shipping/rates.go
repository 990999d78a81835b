package shipping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

var (
	// ErrAddressUnrecognized means the address could not be resolved.
	ErrAddressUnrecognized = errors.New("shipping: address unrecognized")
	// ErrAddressUnsupported means the address resolves but nobody ships there.
	ErrAddressUnsupported = errors.New("shipping: address unsupported")
	// ErrServiceUnavailable means the rate collaborator failed.
	ErrServiceUnavailable = errors.New("shipping: service unavailable")
)

// RateReq describes a shipping rate request.
type RateReq struct {
	Address    commerce.Address
	Cart       pricing.Cart
	Currency   string
	OrderTotal pricing.Money
}

// Rate is one shipping option with its price.
type Rate struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Amount      pricing.Money `json:"amount"`
	Courier     string        `json:"courier,omitempty"`
}

// Client quotes shipping options for an address. Implementations return one
// of the package errors so callers can map rejections.
type Client interface {
	Rates(ctx context.Context, r RateReq) ([]Rate, error)
}

// Backend is the commerce endpoint that calculates shipping.
type Backend interface {
	CalculateShipping(ctx context.Context, req commerce.ShippingRequest) (commerce.ShippingResponse, error)
}

// HTTPClient quotes through POST /shipping/calculate.
type HTTPClient struct {
	Backend Backend
}

// Rates implements Client.
func (c HTTPClient) Rates(ctx context.Context, r RateReq) ([]Rate, error) {
	if strings.TrimSpace(r.Address.Country) == "" || strings.TrimSpace(r.Address.PostalCode) == "" {
		return nil, ErrAddressUnrecognized
	}
	resp, err := c.Backend.CalculateShipping(ctx, commerce.ShippingRequest{
		Address:    r.Address,
		Items:      commerce.ItemsFromCart(r.Cart),
		Currency:   r.Currency,
		OrderTotal: commerce.Amount(r.OrderTotal),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Options) == 0 {
		return nil, ErrAddressUnsupported
	}
	rates := make([]Rate, 0, len(resp.Options))
	for _, o := range resp.Options {
		rates = append(rates, Rate{ID: o.ID, Name: o.Name, Description: o.Description, Amount: o.Amount.Money()})
	}
	return rates, nil
}

func classify(err error) error {
	apiErr, ok := commerce.AsAPIError(err)
	if !ok {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	switch {
	case apiErr.Status == 404, apiErr.Status == 400, apiErr.HasIssue("ADDRESS_UNRECOGNIZED"):
		return fmt.Errorf("%w: %s", ErrAddressUnrecognized, apiErr.Message)
	case apiErr.Status == 422, apiErr.HasIssue("ADDRESS_UNSUPPORTED"):
		return fmt.Errorf("%w: %s", ErrAddressUnsupported, apiErr.Message)
	default:
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
}

// MultiClient asks several couriers concurrently and merges their options,
// cheapest first. It fails only when every courier fails, returning the most
// specific error seen.
type MultiClient struct {
	Couriers map[string]Client
}

// Rates implements Client.
func (m MultiClient) Rates(ctx context.Context, r RateReq) ([]Rate, error) {
	if len(m.Couriers) == 0 {
		return nil, ErrServiceUnavailable
	}
	names := make([]string, 0, len(m.Couriers))
	for name := range m.Couriers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([][]Rate, len(names))
	errs := make([]error, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			rates, err := m.Couriers[name].Rates(gctx, r)
			for j := range rates {
				if rates[j].Courier == "" {
					rates[j].Courier = name
				}
			}
			results[i], errs[i] = rates, err
			return nil
		})
	}
	_ = g.Wait()

	var merged []Rate
	for _, rates := range results {
		merged = append(merged, rates...)
	}
	if len(merged) > 0 {
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].Amount < merged[j].Amount })
		return merged, nil
	}
	return nil, mostSpecific(errs)
}

func mostSpecific(errs []error) error {
	for _, target := range []error{ErrAddressUnrecognized, ErrAddressUnsupported} {
		for _, err := range errs {
			if errors.Is(err, target) {
				return err
			}
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return ErrAddressUnsupported
}

// MockClient returns canned rates and is useful for testing and development.
type MockClient struct{}

// Rates returns a standard and an express option for any recognised address.
func (MockClient) Rates(_ context.Context, r RateReq) ([]Rate, error) {
	if strings.TrimSpace(r.Address.PostalCode) == "" {
		return nil, ErrAddressUnrecognized
	}
	return []Rate{
		{ID: "standard", Name: "Standard", Description: "3-5 business days", Amount: 1000},
		{ID: "express", Name: "Express", Description: "1-2 business days", Amount: 1500},
	}, nil
}

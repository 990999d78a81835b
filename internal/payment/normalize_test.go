package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
)

func TestNormalizeConfirm(t *testing.T) {
	res := NormalizeConfirm("O-1", commerce.ConfirmResponse{Status: "completed"}, nil)
	require.Equal(t, ConfirmCompleted, res.Kind)
	require.Equal(t, "O-1", res.OrderID)

	res = NormalizeConfirm("O-1", commerce.ConfirmResponse{Status: "APPROVED", OrderID: "O-2"}, nil)
	require.Equal(t, ConfirmApproved, res.Kind)
	require.Equal(t, "O-2", res.OrderID)

	res = NormalizeConfirm("O-1", commerce.ConfirmResponse{Status: "PAYER_ACTION_REQUIRED",
		Links: []commerce.Link{{Rel: "payer-action", Href: "https://paypal.example/3ds"}}}, nil)
	require.Equal(t, ConfirmPayerActionRequired, res.Kind)
	require.Equal(t, "https://paypal.example/3ds", res.PayerActionURL)

	res = NormalizeConfirm("O-1", commerce.ConfirmResponse{Status: "CREATED"}, nil)
	require.Equal(t, ConfirmPayerActionRequired, res.Kind)
}

func TestNormalizeConfirmErrors(t *testing.T) {
	named := &commerce.APIError{Status: 422, Name: "PAYER_ACTION_REQUIRED"}
	require.Equal(t, ConfirmPayerActionRequired, NormalizeConfirm("O", commerce.ConfirmResponse{}, named).Kind)

	buyer := &commerce.APIError{Status: 422, Name: "UNPROCESSABLE_ENTITY", Details: []commerce.ErrorDetail{{Issue: "buyer_not_set"}}}
	require.Equal(t, ConfirmPayerActionRequired, NormalizeConfirm("O", commerce.ConfirmResponse{}, buyer).Kind)

	// a message mentioning 3DS is not a contingency without the structured field
	prose := &commerce.APIError{Status: 422, Name: "INSTRUMENT_DECLINED", Message: "3DS_REQUIRED failed"}
	res := NormalizeConfirm("O", commerce.ConfirmResponse{}, prose)
	require.Equal(t, ConfirmRejected, res.Kind)
	require.False(t, res.Transport)

	res = NormalizeConfirm("O", commerce.ConfirmResponse{}, errors.Join(commerce.ErrUnavailable, errors.New("dial")))
	require.Equal(t, ConfirmRejected, res.Kind)
	require.True(t, res.Transport)
}

func TestValidateCard(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ValidateCard(CardInput{Number: "4111 1111 1111 1111", Expiry: "10/26", CVV: "123"}, now))
	require.NoError(t, ValidateCard(CardInput{Number: "378282246310005", Expiry: "01/30", CVV: "1234"}, now))

	err := ValidateCard(CardInput{Number: "4111x", Expiry: "09/26", CVV: "12345"}, now)
	require.ErrorIs(t, err, ErrInvalidCard)
	var cve *CardValidationError
	require.ErrorAs(t, err, &cve)
	require.Len(t, cve.Fields, 3)

	require.Error(t, ValidateCard(CardInput{Number: "4111111111111111", Expiry: "13/27", CVV: "123"}, now))
	require.Error(t, ValidateCard(CardInput{Number: "4111111111111111", Expiry: "1027", CVV: "123"}, now))
}

func TestDetectBrand(t *testing.T) {
	require.Equal(t, BrandVisa, DetectBrand("4111111111111111"))
	require.Equal(t, BrandMastercard, DetectBrand("5555 5555 5555 4444"))
	require.Equal(t, BrandMastercard, DetectBrand("2221000000000009"))
	require.Equal(t, BrandAmex, DetectBrand("378282246310005"))
	require.Equal(t, BrandDiscover, DetectBrand("6011111111111117"))
	require.Equal(t, BrandUnknown, DetectBrand(""))
	require.Equal(t, "1111", Last4("4111-1111-1111-1111"))
}

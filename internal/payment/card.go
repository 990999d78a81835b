package payment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CardInput is raw card data typed by the payer.
type CardInput struct {
	Name   string `json:"name"`
	Number string `json:"number"`
	Expiry string `json:"expiry"`
	CVV    string `json:"cvv"`
}

// Brand is a card network detected from the number prefix.
type Brand string

const (
	BrandUnknown    Brand = "unknown"
	BrandVisa       Brand = "visa"
	BrandMastercard Brand = "mastercard"
	BrandAmex       Brand = "amex"
	BrandDiscover   Brand = "discover"
	BrandJCB        Brand = "jcb"
	BrandDiners     Brand = "diners"
	BrandUnionPay   Brand = "unionpay"
)

// CardValidationError lists the invalid card fields with their messages.
type CardValidationError struct {
	Fields map[string]string
}

func (e *CardValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range []string{"number", "expiry", "cvv"} {
		if msg, ok := e.Fields[f]; ok {
			parts = append(parts, f+": "+msg)
		}
	}
	return "payment: invalid card: " + strings.Join(parts, "; ")
}

// Message is the first field problem, phrased for the payer.
func (e *CardValidationError) Message() string {
	for _, f := range []string{"number", "expiry", "cvv"} {
		if msg, ok := e.Fields[f]; ok {
			return "Please check your card details: " + msg + "."
		}
	}
	return "Please check your card details."
}

// ErrInvalidCard matches any CardValidationError with errors.Is.
var ErrInvalidCard = errors.New("payment: invalid card")

func (e *CardValidationError) Is(target error) bool { return target == ErrInvalidCard }

// ValidateCard checks length 13-19 digits, an MM/YY expiry that has not
// passed, and a 3-4 digit CVV. It makes no network calls and does not run
// a Luhn check.
func ValidateCard(in CardInput, now time.Time) error {
	fields := map[string]string{}
	number := strings.NewReplacer(" ", "", "-", "").Replace(in.Number)
	if DigitsOnly(number) != number {
		fields["number"] = "card number must contain digits only"
	} else if n := len(number); n < 13 || n > 19 {
		fields["number"] = "card number must be 13 to 19 digits"
	}
	if err := validateExpiry(in.Expiry, now); err != nil {
		fields["expiry"] = err.Error()
	}
	cvv := strings.TrimSpace(in.CVV)
	if len(cvv) < 3 || len(cvv) > 4 || DigitsOnly(cvv) != cvv {
		fields["cvv"] = "security code must be 3 or 4 digits"
	}
	if len(fields) > 0 {
		return &CardValidationError{Fields: fields}
	}
	return nil
}

func validateExpiry(expiry string, now time.Time) error {
	mm, yy, ok := strings.Cut(strings.ReplaceAll(expiry, " ", ""), "/")
	if !ok || len(mm) != 2 || len(yy) != 2 {
		return errors.New("expiry must be MM/YY")
	}
	month, err := strconv.Atoi(mm)
	if err != nil || month < 1 || month > 12 {
		return errors.New("expiry month must be 01 to 12")
	}
	year, err := strconv.Atoi(yy)
	if err != nil {
		return errors.New("expiry must be MM/YY")
	}
	year += 2000
	// valid through the last instant of the expiry month
	endOfMonth := time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, now.Location())
	if !now.Before(endOfMonth) {
		return fmt.Errorf("card expired in %02d/%02d", month, year%100)
	}
	return nil
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DetectBrand infers the card network from the leading digits.
func DetectBrand(number string) Brand {
	n := DigitsOnly(number)
	prefix := func(digits int) int {
		if len(n) < digits {
			return -1
		}
		v, _ := strconv.Atoi(n[:digits])
		return v
	}
	switch p2, p3, p4, p6 := prefix(2), prefix(3), prefix(4), prefix(6); {
	case len(n) == 0:
		return BrandUnknown
	case n[0] == '4':
		return BrandVisa
	case p2 == 34 || p2 == 37:
		return BrandAmex
	case (p2 >= 51 && p2 <= 55) || (p4 >= 2221 && p4 <= 2720):
		return BrandMastercard
	case p4 == 6011 || p2 == 65 || (p3 >= 644 && p3 <= 649) || (p6 >= 622126 && p6 <= 622925):
		return BrandDiscover
	case p4 >= 3528 && p4 <= 3589:
		return BrandJCB
	case p2 == 36 || p2 == 38 || (p3 >= 300 && p3 <= 305):
		return BrandDiners
	case p2 == 62:
		return BrandUnionPay
	default:
		return BrandUnknown
	}
}

// Last4 returns the last four digits of the number for display and logs.
func Last4(number string) string {
	n := DigitsOnly(number)
	if len(n) <= 4 {
		return n
	}
	return n[len(n)-4:]
}

package checkout

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/storefront-checkout/internal/commerce"
	"github.com/noah-isme/storefront-checkout/internal/common"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ()\-]{6,19}$`)

// PostalAddress is a shipping or billing address as entered.
type PostalAddress struct {
	Name       string `json:"name" validate:"max=200"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state" validate:"max=100"`
	PostalCode string `json:"postalCode" validate:"required,postcode_iso3166_alpha2_field=Country"`
	Country    string `json:"country" validate:"required,iso3166_1_alpha2"`
}

func (a PostalAddress) normalized() PostalAddress {
	a.Name = strings.TrimSpace(a.Name)
	a.Line1 = strings.TrimSpace(a.Line1)
	a.Line2 = strings.TrimSpace(a.Line2)
	a.City = strings.TrimSpace(a.City)
	a.State = strings.TrimSpace(a.State)
	a.PostalCode = strings.ToUpper(strings.TrimSpace(a.PostalCode))
	a.Country = strings.ToUpper(strings.TrimSpace(a.Country))
	return a
}

func (a PostalAddress) toCommerce() *commerce.Address {
	return &commerce.Address{
		Name:       a.Name,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

// AddressInput is the address step of the checkout form. Billing defaults
// to the shipping address.
type AddressInput struct {
	Email          string         `json:"email" validate:"required,email"`
	FirstName      string         `json:"firstName" validate:"required,max=100"`
	LastName       string         `json:"lastName" validate:"required,max=100"`
	Phone          string         `json:"phone" validate:"required,phone"`
	Shipping       PostalAddress  `json:"shipping"`
	Billing        *PostalAddress `json:"billing,omitempty"`
	ShippingMethod string         `json:"shippingMethod" validate:"omitempty,oneof=standard express"`
}

func (in AddressInput) normalized() AddressInput {
	in.Email = strings.TrimSpace(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Phone = strings.TrimSpace(in.Phone)
	in.ShippingMethod = strings.ToLower(strings.TrimSpace(in.ShippingMethod))
	in.Shipping = in.Shipping.normalized()
	if in.Billing != nil {
		b := in.Billing.normalized()
		in.Billing = &b
	}
	return in
}

// AddressValidator checks the address step.
type AddressValidator struct {
	v *validator.Validate
}

// NewAddressValidator registers the phone rule and JSON field names.
func NewAddressValidator() *AddressValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	return &AddressValidator{v: v}
}

// Validate returns the normalised input, or a validation AppError whose
// details map each offending field to its failed rule.
func (av *AddressValidator) Validate(in AddressInput) (AddressInput, error) {
	in = in.normalized()
	err := av.v.Struct(in)
	if err == nil {
		return in, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return in, err
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		// drop the root struct name
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		details[field] = fe.Tag()
	}
	return in, common.Validation("address is invalid", details)
}

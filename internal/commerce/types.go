package commerce

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

// Amount is a minor-unit amount that travels as a two-digit decimal string.
type Amount pricing.Money

// Money returns the amount in minor units.
func (a Amount) Money() pricing.Money { return pricing.Money(a) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(pricing.FormatAmount(pricing.Money(a)))
}

// UnmarshalJSON accepts quoted or bare decimal numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	*a = Amount(pricing.FromDecimal(d))
	return nil
}

type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type Customer struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone,omitempty"`
}

// FullName joins first and last name.
func (c Customer) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

type Item struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	UnitPrice Amount `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
}

// ItemsFromCart converts a cart snapshot into wire items.
func ItemsFromCart(cart pricing.Cart) []Item {
	lines := cart.Items()
	out := make([]Item, 0, len(lines))
	for _, l := range lines {
		out = append(out, Item{
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: Amount(l.UnitPrice),
			Quantity:  l.Quantity,
			Size:      l.Size,
			Color:     l.Color,
		})
	}
	return out
}

type Amounts struct {
	Currency string `json:"currency"`
	Subtotal Amount `json:"subtotal"`
	Shipping Amount `json:"shippingAmount"`
	Tax      Amount `json:"taxAmount"`
	Discount Amount `json:"discountAmount"`
	Total    Amount `json:"total"`
}

// AmountsFromTotals converts computed totals into wire amounts.
func AmountsFromTotals(currency string, t pricing.Totals) Amounts {
	return Amounts{
		Currency: currency,
		Subtotal: Amount(t.Subtotal),
		Shipping: Amount(t.Shipping),
		Tax:      Amount(t.Tax),
		Discount: Amount(t.Discount),
		Total:    Amount(t.GrandTotal),
	}
}

type CreateIntentRequest struct {
	Rail            string          `json:"paymentMethod"`
	CheckoutID      string          `json:"checkoutId"`
	Items           []Item          `json:"items"`
	Amounts         Amounts         `json:"amounts"`
	Customer        Customer        `json:"customer"`
	ShippingAddress *Address        `json:"shippingAddress,omitempty"`
	BillingAddress  *Address        `json:"billingAddress,omitempty"`
	VoucherCode     string          `json:"voucherCode,omitempty"`
	PaymentSource   json.RawMessage `json:"paymentSource,omitempty"`
}

type CreateIntentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Token        string `json:"token,omitempty"`
	Status       string `json:"status,omitempty"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
}

type ConfirmRequest struct {
	Rail          string          `json:"paymentMethod"`
	SessionID     string          `json:"orderId"`
	PaymentSource json.RawMessage `json:"paymentSource,omitempty"`
}

type ConfirmResponse struct {
	OrderID        string `json:"id"`
	Status         string `json:"status"`
	PayerActionURL string `json:"payerActionUrl,omitempty"`
	Links          []Link `json:"links,omitempty"`
}

// Link is a HATEOAS link as relayed from the provider.
type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// PayerAction returns the payer-action URL from the explicit field or the links.
func (r ConfirmResponse) PayerAction() string {
	if r.PayerActionURL != "" {
		return r.PayerActionURL
	}
	return findLink(r.Links, "payer-action")
}

type CaptureRequest struct {
	Rail            string      `json:"paymentMethod"`
	SessionID       string      `json:"orderId"`
	ShippingAddress *Address    `json:"shippingAddress,omitempty"`
	BillingAddress  *Address    `json:"billingAddress,omitempty"`
	Card            *CardSource `json:"card,omitempty"`
	Status          string      `json:"status,omitempty"`
}

// CardSource is card input forwarded to the backend capture endpoint.
type CardSource struct {
	Name   string `json:"name,omitempty"`
	Number string `json:"number"`
	Expiry string `json:"expiry"`
	CVV    string `json:"securityCode"`
	Brand  string `json:"brand,omitempty"`
}

type CaptureResponse struct {
	OrderID   string `json:"orderId"`
	CaptureID string `json:"captureId"`
	Status    string `json:"status"`
}

type CancelRequest struct {
	Rail      string `json:"paymentMethod"`
	SessionID string `json:"orderId"`
}

type AuthorizeRequest struct {
	OrderID   string `json:"orderId"`
	SCAMethod string `json:"scaMethod"`
}

type AuthorizeResponse struct {
	Status         string `json:"status"`
	PayerActionURL string `json:"payer_action_url,omitempty"`
	Links          []Link `json:"links,omitempty"`
}

// PayerAction returns the challenge URL from the explicit field or the links.
func (r AuthorizeResponse) PayerAction() string {
	if r.PayerActionURL != "" {
		return r.PayerActionURL
	}
	return findLink(r.Links, "payer-action")
}

type VoucherRequest struct {
	Code       string `json:"code"`
	OrderTotal Amount `json:"orderTotal"`
	Items      []Item `json:"items"`
}

type VoucherResponse struct {
	Valid    bool   `json:"valid"`
	Discount Amount `json:"discount"`
	Message  string `json:"message"`
}

type EmailRequest struct {
	CustomerEmail string `json:"customerEmail"`
	CustomerName  string `json:"customerName"`
	OrderNumber   string `json:"orderNumber"`
	OrderTotal    Amount `json:"orderTotal"`
	Items         []Item `json:"items"`
}

type ShippingRequest struct {
	Address    Address `json:"address"`
	Items      []Item  `json:"items"`
	Currency   string  `json:"currency"`
	OrderTotal Amount  `json:"orderTotal"`
}

type ShippingOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Amount      Amount `json:"amount"`
}

type ShippingResponse struct {
	Options []ShippingOption `json:"shippingOptions"`
}

type PaymentStatusRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
	CheckoutID      string `json:"checkoutId"`
	Status          string `json:"status"`
}

func findLink(links []Link, rel string) string {
	for _, l := range links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

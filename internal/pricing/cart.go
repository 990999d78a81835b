package pricing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptyCart is returned when a snapshot is built without any line.
var ErrEmptyCart = errors.New("pricing: cart is empty")

// LineItem describes one cart line as handed over by the cart store.
type LineItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	UnitPrice Money  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
}

// Subtotal returns unitPrice x quantity.
func (l LineItem) Subtotal() Money {
	return l.UnitPrice * Money(l.Quantity)
}

// Cart is an immutable snapshot of the cart lines. The zero value is an empty cart.
type Cart struct {
	items []LineItem
}

// NewCart validates and copies the provided lines into a snapshot.
func NewCart(items []LineItem) (Cart, error) {
	if len(items) == 0 {
		return Cart{}, ErrEmptyCart
	}
	out := make([]LineItem, 0, len(items))
	for i, it := range items {
		if strings.TrimSpace(it.ProductID) == "" {
			return Cart{}, fmt.Errorf("pricing: line %d: product id is required", i)
		}
		if it.UnitPrice < 0 {
			return Cart{}, fmt.Errorf("pricing: line %d: unit price must not be negative", i)
		}
		if it.Quantity < 1 {
			return Cart{}, fmt.Errorf("pricing: line %d: quantity must be at least 1", i)
		}
		out = append(out, it)
	}
	return Cart{items: out}, nil
}

// Items returns a copy of the lines so callers cannot mutate the snapshot.
func (c Cart) Items() []LineItem {
	if len(c.items) == 0 {
		return nil
	}
	out := make([]LineItem, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of lines.
func (c Cart) Len() int { return len(c.items) }

// Subtotal returns the sum of all line subtotals.
func (c Cart) Subtotal() Money {
	var total Money
	for _, it := range c.items {
		total += it.Subtotal()
	}
	return total
}

// Fingerprint returns a stable digest of the lines. Two snapshots with the same
// fingerprint describe the same purchase.
func (c Cart) Fingerprint() string {
	h := sha256.New()
	for _, it := range c.items {
		h.Write([]byte(it.ProductID))
		h.Write([]byte{0})
		h.Write([]byte(it.Size))
		h.Write([]byte{0})
		h.Write([]byte(it.Color))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(it.UnitPrice, 10)))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(it.Quantity)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalJSON exposes the lines as a plain JSON array.
func (c Cart) MarshalJSON() ([]byte, error) {
	return marshalItems(c.items)
}

// UnmarshalJSON restores a snapshot. Stored snapshots are trusted and not re-validated.
func (c *Cart) UnmarshalJSON(data []byte) error {
	items, err := unmarshalItems(data)
	if err != nil {
		return err
	}
	c.items = items
	return nil
}

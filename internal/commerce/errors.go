package commerce

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable marks transport failures, 5xx replies and open breakers.
var ErrUnavailable = errors.New("commerce: backend unavailable")

// ErrMalformed marks a 2xx reply whose body could not be decoded.
var ErrMalformed = errors.New("commerce: malformed response")

// ErrorDetail is one entry of a provider error's details array.
type ErrorDetail struct {
	Issue       string `json:"issue"`
	Description string `json:"description,omitempty"`
	Field       string `json:"field,omitempty"`
}

// APIError is a 4xx reply. Provider rejections relayed by the backend keep
// their structured name and details.
type APIError struct {
	Status  int           `json:"-"`
	Name    string        `json:"name"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details"`
	DebugID string        `json:"debug_id,omitempty"`
}

func (e *APIError) Error() string {
	name := e.Name
	if name == "" {
		name = e.Code
	}
	if name == "" {
		return fmt.Sprintf("commerce: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("commerce: status %d: %s: %s", e.Status, name, e.Message)
}

// HasIssue reports whether any detail carries the given issue code.
func (e *APIError) HasIssue(issue string) bool {
	for _, d := range e.Details {
		if strings.EqualFold(d.Issue, issue) {
			return true
		}
	}
	return false
}

// AsAPIError extracts the APIError wrapped by err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

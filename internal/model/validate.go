package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Default validation bounds.
const (
	DefaultMaxMessageLength = 1000
	DefaultMaxDataBytes     = 64 << 10
	maxUpdatedByLength      = 200
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Limits bounds the size of a maintenance update.
type Limits struct {
	MaxMessageLength int // in runes
	MaxDataBytes     int // encoded JSON size
}

// DefaultLimits returns the bounds used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxMessageLength: DefaultMaxMessageLength, MaxDataBytes: DefaultMaxDataBytes}
}

// Update is a requested change to the maintenance state. Data is kept raw so
// that its size and shape can be checked before decoding.
type Update struct {
	Enabled   *bool           `json:"enabled"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

// ValidateUpdate checks u against lim and returns the decoded data payload.
// It returns a *ValidationError if any rule fails.
func ValidateUpdate(u *Update, lim Limits) (map[string]any, error) {
	var ve ValidationError

	if u.Enabled == nil {
		ve.Errors = append(ve.Errors, FieldError{Field: "enabled", Message: "is required"})
	}

	if !utf8.ValidString(u.Message) {
		ve.Errors = append(ve.Errors, FieldError{Field: "message", Message: "must be valid UTF-8"})
	} else if n := utf8.RuneCountInString(strings.TrimSpace(u.Message)); lim.MaxMessageLength > 0 && n > lim.MaxMessageLength {
		ve.Errors = append(ve.Errors, FieldError{
			Field:   "message",
			Message: fmt.Sprintf("must be %d characters or fewer, got %d", lim.MaxMessageLength, n),
		})
	}

	if len(u.UpdatedBy) > maxUpdatedByLength {
		ve.Errors = append(ve.Errors, FieldError{
			Field:   "updated_by",
			Message: fmt.Sprintf("must be %d bytes or fewer", maxUpdatedByLength),
		})
	}

	data, fe := decodeData(u.Data, lim.MaxDataBytes)
	if fe != nil {
		ve.Errors = append(ve.Errors, *fe)
	}

	if ve.HasErrors() {
		return nil, &ve
	}
	return data, nil
}

// decodeData accepts an absent/null payload or a JSON object within maxBytes.
// An empty object stays an empty object.
func decodeData(raw json.RawMessage, maxBytes int) (map[string]any, *FieldError) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if maxBytes > 0 && len(trimmed) > maxBytes {
		return nil, &FieldError{
			Field:   "data",
			Message: fmt.Sprintf("must be %d bytes or fewer when encoded, got %d", maxBytes, len(trimmed)),
		}
	}
	if trimmed[0] != '{' {
		return nil, &FieldError{Field: "data", Message: "must be a JSON object"}
	}
	var data map[string]any
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, &FieldError{Field: "data", Message: "must be a JSON object"}
	}
	return data, nil
}

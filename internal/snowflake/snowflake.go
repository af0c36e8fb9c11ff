// Package snowflake validates the opaque 64-bit identifiers handed over by the chat transport.
package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidID indicates that an identifier is not a positive 64-bit integer.
var ErrInvalidID = errors.New("snowflake: invalid id")

// ID is a validated chat identity (user, message, channel or guild).
type ID int64

// New validates a raw integer identifier.
func New(value int64) (ID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidID, value)
	}
	return ID(value), nil
}

// Parse validates a decimal string identifier.
func Parse(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, trimmed)
	}
	return New(value)
}

// Int64 exposes the raw identifier.
func (id ID) Int64() int64 {
	return int64(id)
}

// String renders the identifier in decimal form.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Valid reports whether the id is a usable positive snowflake.
func (id ID) Valid() bool {
	return id > 0
}

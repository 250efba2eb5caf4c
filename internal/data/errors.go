package data

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrNotFound       = errors.New("batch not found")
	ErrBadOperation   = errors.New("invalid operation")
	ErrBadStatus      = errors.New("invalid status")
	ErrNoItems        = errors.New("at least one item is required")
	ErrInvalidID      = errors.New("invalid content id")
	ErrAlreadyRetried = errors.New("batch was already retried")
	ErrNothingToRetry = errors.New("batch has no failed items")
	ErrBatchActive    = errors.New("batch is still active")
)

// ParseContentID parses a decimal content id. Ids are carried as strings
// outside the process so 64-bit values survive JSON consumers that only
// have float64 numbers.
func ParseContentID(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || v == 0 {
		return 0, ErrInvalidID
	}
	return v, nil
}

// FormatContentID is the inverse of ParseContentID.
func FormatContentID(id uint64) string { return strconv.FormatUint(id, 10) }

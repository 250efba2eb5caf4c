package v1

import (
	"errors"
	"net/http"

	"github.com/tinoosan/workshopsync/internal/callback"
	"github.com/tinoosan/workshopsync/internal/data"
	"github.com/tinoosan/workshopsync/internal/native"
)

var (
	ErrContentType = errors.New("Content-Type must be application/json")
	ErrItemName    = errors.New("item name is too long")
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, callback.ErrBusy),
		errors.Is(err, data.ErrAlreadyRetried),
		errors.Is(err, data.ErrNothingToRetry),
		errors.Is(err, data.ErrBatchActive):
		return http.StatusConflict
	case errors.Is(err, data.ErrBadOperation),
		errors.Is(err, data.ErrNoItems),
		errors.Is(err, data.ErrInvalidID),
		errors.Is(err, ErrItemName):
		return http.StatusBadRequest
	case errors.Is(err, ErrContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, native.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

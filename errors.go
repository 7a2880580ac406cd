package easymail

import (
	"errors"
	"fmt"
)

// Error taxonomy of the engine. Handlers map these onto HTTP status codes,
// components wrap them with context via %w.
var (
	ErrValidation      = errors.New("validation error")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyRunning  = errors.New("send already running")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidRule     = errors.New("invalid audience rule")
	ErrAudienceInUse   = errors.New("audience linked to active campaigns")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Unauthorizedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

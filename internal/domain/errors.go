package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrTransport  = errors.New("transport error")
	ErrIntegrity  = errors.New("integrity error")
)

var (
	ErrInvalidTenant    = fmt.Errorf("%w: invalid tenant", ErrValidation)
	ErrInvalidFormat    = fmt.Errorf("%w: invalid key format", ErrValidation)
	ErrExpired          = fmt.Errorf("%w: key expired", ErrValidation)
	ErrEmptyPayload     = fmt.Errorf("%w: empty payload", ErrValidation)
	ErrInvalidPartner   = fmt.Errorf("%w: invalid partner", ErrValidation)
	ErrDuplicatePartner = fmt.Errorf("%w: duplicate partner", ErrValidation)
	ErrInvalidPackage   = fmt.Errorf("%w: invalid package", ErrValidation)
)

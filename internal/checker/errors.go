package checker

import "errors"

var (
	// ErrMisconfigured is returned when a service lacks a required connection field
	ErrMisconfigured = errors.New("service misconfigured")

	// ErrUnsupportedType is returned when no checker exists for a service type
	ErrUnsupportedType = errors.New("unsupported service type")
)

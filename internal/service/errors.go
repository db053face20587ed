package service

import "errors"

var (
	// ErrTypeImmutable is returned when an update changes the service type
	ErrTypeImmutable = errors.New("service type cannot be changed")

	// ErrInvalidService wraps validation failures of a service definition
	ErrInvalidService = errors.New("invalid service")
)

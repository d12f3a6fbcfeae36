package rides

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that the ride, bike, component or mapping does not exist for the user.
	ErrNotFound = errors.New("rides: not found")
	// ErrConflict indicates a uniqueness violation such as a duplicate gear mapping.
	ErrConflict = errors.New("rides: conflict")
	// ErrInvalidInput indicates that a request failed validation.
	ErrInvalidInput = errors.New("rides: invalid input")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a stable "<operation>.<reason>" code and unwraps to its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// internal/types/errors.go
package types

import "errors"

var (
	ErrMissingSubject  = errors.New("name is required")
	ErrMissingCategory = errors.New("behavior is required")
	ErrConfidenceRange = errors.New("confidence must be within [0,1]")
)

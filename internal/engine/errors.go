package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"covtrack/internal/models"
)

// ConfigurationError marks an invalid template or covenant definition.
// Rejected at creation time; generation and evaluation never see one.
type ConfigurationError struct {
	Entity string
	Fields []models.ValidationError
}

func (e *ConfigurationError) Error() string {
	if len(e.Fields) == 1 {
		return fmt.Sprintf("invalid %s: %s: %s", e.Entity, e.Fields[0].Field, e.Fields[0].Message)
	}
	return fmt.Sprintf("invalid %s: %d field errors", e.Entity, len(e.Fields))
}

// NewConfigurationError builds a ConfigurationError from field validations.
func NewConfigurationError(entity string, fields []models.ValidationError) *ConfigurationError {
	return &ConfigurationError{Entity: entity, Fields: fields}
}

// InputError marks bad financial inputs. Reported to the caller; no test
// or event is created.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input %s: %s", e.Field, e.Message)
}

// IntegrityError marks inconsistent stored state (duplicate event for a
// period, invalid state transition, broken threshold schedule). Fatal for
// the facility's recompute; logged with full context for operator replay.
type IntegrityError struct {
	FacilityID uuid.UUID
	Detail     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error (facility %s): %s", e.FacilityID, e.Detail)
}

// TransientError marks a repository or network failure worth retrying at
// the per-facility unit of work.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsIntegrity reports whether err should pause the facility's recompute.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

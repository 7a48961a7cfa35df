package model

import (
	"errors"
	"fmt"
	"time"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

type SlotConflictError struct {
	StaffID   string
	Start     time.Time
	End       time.Time
	BookingID string
}

func (e *SlotConflictError) Error() string {
	msg := fmt.Sprintf("slot %s-%s is not free for staff %s", e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.StaffID)
	if e.BookingID != "" {
		msg += " (held by booking " + e.BookingID + ")"
	}
	return msg
}

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move booking from %s to %s", e.From, e.To)
}

type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return e.Reason
}

// TransientStorageError marks an infrastructure failure that may succeed on retry.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientStorageError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *SlotConflictError
	return errors.As(err, &target)
}

func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

func IsPolicyViolation(err error) bool {
	var target *PolicyViolationError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientStorageError
	return errors.As(err, &target)
}

// IsDomain reports whether err belongs to the booking error taxonomy.
func IsDomain(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsConflict(err) ||
		IsInvalidTransition(err) || IsPolicyViolation(err) || IsTransient(err)
}

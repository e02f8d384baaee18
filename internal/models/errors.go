package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNoEligibleInstance     = errors.New("no eligible instance")
	ErrNoOpenWindow           = errors.New("no open business-hours window")
	ErrDailyLimitReached      = errors.New("daily limit reached")
	ErrLeaseLost              = errors.New("lease lost")
	ErrDuplicateEvent         = errors.New("duplicate webhook event")
	ErrOrphanEvent            = errors.New("webhook event matches no campaign contact")
	ErrTenantLimit            = errors.New("too many running campaigns for tenant")
)

// ValidationError carries per-field problems of a rejected command
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// TransitionError describes a rejected state change
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s cannot move from %s to %s", ErrInvalidStateTransition, e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

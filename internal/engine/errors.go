package engine

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when a callback carries the wrong shared secret.
var ErrUnauthorized = errors.New("unauthorized")

// ValidationError reports a malformed or missing request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExternalServiceError wraps a failed call to the scraper, scheduler or
// announcement surface.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Outcome is the result of a gate or recording operation. Gates never fail
// for business reasons; they return one of these instead.
type Outcome string

const (
	OutcomeEnrolled            Outcome = "ENROLLED"
	OutcomeAlreadyEnrolled     Outcome = "ALREADY_ENROLLED"
	OutcomeWindowClosed        Outcome = "WINDOW_CLOSED"
	OutcomeMissionNotFound     Outcome = "MISSION_NOT_FOUND"
	OutcomeNotAuthorized       Outcome = "NOT_AUTHORIZED"
	OutcomePromptForSubmission Outcome = "PROMPT_FOR_SUBMISSION"
	OutcomeNotEnrolled         Outcome = "NOT_ENROLLED"
	OutcomeAlreadySubmitted    Outcome = "ALREADY_SUBMITTED"
	OutcomeStored              Outcome = "STORED"
	OutcomeInvalidLinkFormat   Outcome = "INVALID_LINK_FORMAT"
	OutcomeDuplicate           Outcome = "DUPLICATE"
)

// Accepted reports whether the outcome lets the caller proceed.
func (o Outcome) Accepted() bool {
	switch o {
	case OutcomeEnrolled, OutcomePromptForSubmission, OutcomeStored:
		return true
	}
	return false
}

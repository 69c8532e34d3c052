package utils

import (
	"errors"
	"fmt"
	"strings"
)

var ErrorRecordNotFound = errors.New("record not found")

// NotFoundError reports a missing document or line. Surfaced to the route
// layer as 404; never retried.
type NotFoundError struct {
	Entity string
	Id     int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.Id)
}

func NewNotFoundError(entity string, id int) *NotFoundError {
	return &NotFoundError{Entity: entity, Id: id}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || errors.Is(err, ErrorRecordNotFound)
}

// InvalidTransitionError reports an illegal status change. The message
// enumerates the legal next statuses so the route layer can surface it
// directly to the user.
type InvalidTransitionError struct {
	DocType  string
	From     string
	To       string
	Allowed  []string
	Terminal bool
}

func (e *InvalidTransitionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("%s cannot move from %q to %q: %q is a terminal status", e.DocType, e.From, e.To, e.From)
	}
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("%s cannot move from %q to %q: unknown status %q", e.DocType, e.From, e.To, e.From)
	}
	return fmt.Sprintf("%s cannot move from %q to %q: allowed next statuses are %s", e.DocType, e.From, e.To, strings.Join(quoteAll(e.Allowed), ", "))
}

func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// BusinessRuleError reports a domain rule violation beyond pure status
// legality (e.g. insufficient reservation to consume). Surfaced as 400.
type BusinessRuleError struct {
	Msg string
}

func (e *BusinessRuleError) Error() string { return e.Msg }

func NewBusinessRuleError(format string, args ...any) *BusinessRuleError {
	return &BusinessRuleError{Msg: fmt.Sprintf(format, args...)}
}

func IsBusinessRule(err error) bool {
	var br *BusinessRuleError
	return errors.As(err, &br)
}

func quoteAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, fmt.Sprintf("%q", s))
	}
	return out
}

// Package errs defines the error taxonomy shared by every export stage.
//
// All errors are fatal to a run. Each carries the stage that raised it and,
// where one exists, the concrete mismatch between what was expected and what
// was found. Callers match kinds with errors.Is against the sentinels below.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an export failure.
type Kind int

// Error kinds.
const (
	Config Kind = iota + 1
	Shape
	WeightLoad
	Transform
	Packaging
)

// Sentinel errors, one per kind.
var (
	ErrConfig     = errors.New("ConfigError")
	ErrShape      = errors.New("ShapeError")
	ErrWeightLoad = errors.New("WeightLoadError")
	ErrTransform  = errors.New("TransformError")
	ErrPackaging  = errors.New("PackagingError")
)

// String returns the kind's name as used in messages.
func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "UnknownError"
}

func (k Kind) sentinel() error {
	switch k {
	case Config:
		return ErrConfig
	case Shape:
		return ErrShape
	case WeightLoad:
		return ErrWeightLoad
	case Transform:
		return ErrTransform
	case Packaging:
		return ErrPackaging
	default:
		return nil
	}
}

// Error is a classified export failure.
type Error struct {
	Kind     Kind
	Stage    string // pipeline stage or component, e.g. "load", "RerouteLayer"
	Subject  string // offending node, tensor, file or transform
	Expected string
	Actual   string
	Err      error // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Stage != "" {
		fmt.Fprintf(&b, " [%s]", e.Stage)
	}
	if e.Subject != "" {
		fmt.Fprintf(&b, " %s", e.Subject)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, ": expected %s, got %s", e.Expected, e.Actual)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Mismatch builds an error describing an expected/actual disagreement.
func Mismatch(kind Kind, stage, subject string, expected, actual any) *Error {
	return &Error{
		Kind:     kind,
		Stage:    stage,
		Subject:  subject,
		Expected: fmt.Sprint(expected),
		Actual:   fmt.Sprint(actual),
	}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, stage, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Subject: subject, Err: err}
}

// Newf builds an error with a formatted cause.
func Newf(kind Kind, stage, subject, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

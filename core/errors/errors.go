package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Category string

const (
	CategoryInvalidInput        Category = "invalid_input"
	CategoryVerification        Category = "verification_failed"
	CategoryDependencyMissing   Category = "dependency_missing"
	CategoryIOFailure           Category = "io_failure"
	CategoryUnsupportedPlatform Category = "unsupported_platform"
	CategoryStateContention     Category = "state_contention"
	CategoryInternalFailure     Category = "internal_failure"
)

type classifiedError struct {
	category Category
	code     string
	hint     string
	cause    error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func Wrap(cause error, category Category, code, hint string) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category: category,
		code:     code,
		hint:     hint,
		cause:    cause,
	}
}

func New(category Category, code, hint, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), category, code, hint)
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

// MissingPathsError reports every path that was required but not found.
// Paths are kept sorted so the message is stable across runs.
type MissingPathsError struct {
	What  string
	Paths []string
}

func NewMissingPaths(what string, paths []string) *MissingPathsError {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return &MissingPathsError{What: what, Paths: sorted}
}

func (e *MissingPathsError) Error() string {
	if len(e.Paths) == 1 {
		return fmt.Sprintf("%s missing: %s", e.What, e.Paths[0])
	}
	return fmt.Sprintf("%d %s missing:\n  %s", len(e.Paths), e.What, strings.Join(e.Paths, "\n  "))
}

func MissingPathsOf(err error) []string {
	var missing *MissingPathsError
	if errors.As(err, &missing) {
		return missing.Paths
	}
	return nil
}

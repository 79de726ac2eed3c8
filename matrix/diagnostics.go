package matrix

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigParse is returned for documents that are malformed or do
	// not fit the schema. It aborts the run before any job starts.
	ErrConfigParse = errors.New("config parse error")
	// ErrAxisEmpty is returned when an axis declares zero values.
	ErrAxisEmpty = errors.New("axis has no values")
)

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

// Err joins all collected errors, or returns nil.
func (d Diagnostics) Err() error {
	if !d.IsErr() {
		return nil
	}
	errs := make([]error, len(d.Errors))
	for i, e := range d.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

type Error struct {
	Path string
	Err  error
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Err.Error())
}

func (e Error) Unwrap() error {
	return e.Err
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

type WarningKind string

var (
	InvalidConfiguration WarningKind = "invalid configuration"
	SelectorUnmatched    WarningKind = "selector matches no job"
	DuplicateJob         WarningKind = "duplicate job"
)

func parseErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigParse, fmt.Sprintf(format, args...))
}

package spec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is wrapped by every ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// Specific configuration failures, matched with errors.Is.
var (
	ErrSchema         = errors.New("schema violation")
	ErrMissingName    = errors.New("spec name is required")
	ErrInvalidName    = errors.New("invalid name")
	ErrDuplicateSpec  = errors.New("duplicate spec name")
	ErrMissingRecipe  = errors.New("spec recipe is required")
	ErrEmptyRoles     = errors.New("spec must declare at least one role")
	ErrDuplicateRole  = errors.New("duplicate role name")
	ErrUnknownKey     = errors.New("unknown entity key")
	ErrDuplicateKey   = errors.New("entity key listed twice")
	ErrInvalidPattern = errors.New("invalid pattern rule")
	ErrInvalidOutput  = errors.New("invalid output template")
)

// ConfigError is one problem found in a configuration document.
type ConfigError struct {
	// Path locates the problem, e.g. "specs[2].roles[1].name" or a JSON pointer.
	Path string

	// Err is one of the specific sentinels above.
	Err error

	// Detail is optional context appended to the message.
	Detail string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidConfig, e.Err}
}

// ConfigErrors collects every problem found in one document.
type ConfigErrors []*ConfigError

func (e ConfigErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "configuration has %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ConfigErrors) Unwrap() []error {
	out := make([]error, len(e))
	for i, err := range e {
		out[i] = err
	}
	return out
}

type collector struct {
	errs ConfigErrors
}

func (c *collector) add(path string, err error, detail string, args ...any) {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	c.errs = append(c.errs, &ConfigError{Path: path, Err: err, Detail: detail})
}

func (c *collector) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

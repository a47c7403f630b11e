package corrpipe

import (
	"errors"
	"fmt"
	"strings"
)

// RunError is returned if pipeline was successfully created, but
// processing and/or closing of the outputs failed.
type RunError struct {
	ErrProcess error
	ErrClose   error
}

func (e *RunError) Error() string {
	switch {
	case e.ErrProcess != nil && e.ErrClose != nil:
		return fmt.Sprintf("close error: %v after process error: %v", e.ErrClose, e.ErrProcess)
	case e.ErrProcess != nil:
		return fmt.Sprintf("process error: %v", e.ErrProcess)
	case e.ErrClose != nil:
		return fmt.Sprintf("close error: %v", e.ErrClose)
	}
	return ""
}

// Is checks if any of errors match provided sentinel error.
func (e *RunError) Is(err error) bool {
	if e.ErrProcess != nil && errors.Is(e.ErrProcess, err) {
		return true
	}
	if e.ErrClose != nil && errors.Is(e.ErrClose, err) {
		return true
	}
	return false
}

// Unwrap returns both errors.
func (e *RunError) Unwrap() []error {
	var errs []error
	if e.ErrProcess != nil {
		errs = append(errs, e.ErrProcess)
	}
	if e.ErrClose != nil {
		errs = append(errs, e.ErrClose)
	}
	return errs
}

// closeErrors wraps errors that might occur when multiple outputs fail
// to close.
type closeErrors []error

func (e closeErrors) Error() string {
	s := []string{}
	for _, se := range e {
		s = append(s, se.Error())
	}
	return strings.Join(s, ",")
}

// Is checks if any of errors match provided sentinel error.
func (e closeErrors) Is(err error) bool {
	for _, se := range e {
		if errors.Is(se, err) {
			return true
		}
	}
	return false
}

// ret returns untyped nil if error list is empty.
func (e closeErrors) ret() error {
	if len(e) > 0 {
		return e
	}
	return nil
}

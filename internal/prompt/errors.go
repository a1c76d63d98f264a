package prompt

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrTemplateNotFound matches any *TemplateNotFoundError.
	ErrTemplateNotFound = eris.New("prompt: template not found")
	// ErrMissingVariable matches any *MissingVariableError.
	ErrMissingVariable = eris.New("prompt: missing required variable")
)

// TemplateNotFoundError is returned when a template id was never registered.
type TemplateNotFoundError struct {
	TemplateID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("prompt: template %q not found", e.TemplateID)
}

// Is lets errors.Is match ErrTemplateNotFound.
func (e *TemplateNotFoundError) Is(target error) bool {
	return target == ErrTemplateNotFound
}

// MissingVariableError names the first required placeholder with no value.
type MissingVariableError struct {
	TemplateID string
	Variable   string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("prompt: template %q requires variable %q", e.TemplateID, e.Variable)
}

// Is lets errors.Is match ErrMissingVariable.
func (e *MissingVariableError) Is(target error) bool {
	return target == ErrMissingVariable
}

// IsConfiguration reports whether err is a prompt configuration error that
// no amount of retrying will fix.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) || errors.Is(err, ErrMissingVariable)
}

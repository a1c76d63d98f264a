package schema

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrSchemaMismatch matches any *SchemaMismatchError.
var ErrSchemaMismatch = eris.New("schema: payload does not match schema")

// SchemaMismatchError carries the offending field path. Path "$" refers to
// the payload as a whole.
type SchemaMismatchError struct {
	SchemaID string
	Path     string
	Reason   string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema: %s: %s: %s", e.SchemaID, e.Path, e.Reason)
}

// Is lets errors.Is match ErrSchemaMismatch.
func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

func mismatch(schemaID, path, format string, args ...any) error {
	return &SchemaMismatchError{SchemaID: schemaID, Path: path, Reason: fmt.Sprintf(format, args...)}
}

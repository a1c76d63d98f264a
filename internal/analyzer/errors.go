package analyzer

import (
	"errors"
	"fmt"

	"github.com/real2ai/contract-cli/internal/model"
)

// Kind classifies a node failure.
type Kind = model.ErrorKind

const (
	KindPermanent         = model.ErrorKindPermanent
	KindDependencyMissing = model.ErrorKindDependencyMissing
	KindConfiguration     = model.ErrorKindConfiguration
	KindCancelled         = model.ErrorKindCancelled
)

// Error is returned by Node.Run for every failure.
type Error struct {
	NodeID string
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("analyzer: node %q: %s: %v", e.NodeID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of an *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

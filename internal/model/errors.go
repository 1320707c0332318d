package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = eris.New("task not found")
	// ErrInvalidTransition is returned when a task state change is not allowed from its current status.
	ErrInvalidTransition = eris.New("invalid task transition")
	// ErrInvalidParams is returned when task parameters fail validation.
	ErrInvalidParams = eris.New("invalid task parameters")
	// ErrProfileNotFound is returned when an entity profile does not exist.
	ErrProfileNotFound = eris.New("profile not found")
	// ErrResultNotFound is returned when no result set matches, including when none is active yet.
	ErrResultNotFound = eris.New("result set not found")
)

// DataError reports that the input is insufficient for the requested computation.
// It is fatal to the current task only.
type DataError struct {
	Reason string
}

func (e *DataError) Error() string {
	return "insufficient data: " + e.Reason
}

// NewDataError formats a DataError.
func NewDataError(format string, args ...any) *DataError {
	return &DataError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks K against [2, maxK] and resolves feature aliases in place.
// An empty feature list falls back to DefaultFeatures.
func (p *TaskParams) Validate(maxK int) error {
	if p.K < 2 {
		return eris.Wrapf(ErrInvalidParams, "k must be >= 2, got %d", p.K)
	}
	if maxK > 0 && p.K > maxK {
		return eris.Wrapf(ErrInvalidParams, "k must be <= %d, got %d", maxK, p.K)
	}
	if len(p.Features) == 0 {
		p.Features = append([]Feature(nil), DefaultFeatures...)
		return nil
	}
	names := make([]string, len(p.Features))
	for i, f := range p.Features {
		names[i] = string(f)
	}
	feats, err := ParseFeatures(names)
	if err != nil {
		return err
	}
	p.Features = feats
	return nil
}

// InvalidTransition wraps ErrInvalidTransition with the attempted action and the current status.
func InvalidTransition(action string, from TaskStatus) error {
	return eris.Wrapf(ErrInvalidTransition, "cannot %s a %s task", action, from)
}

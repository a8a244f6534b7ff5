package flows

import (
	"errors"
	"fmt"
)

// ErrFlowNotFound is returned when a flow id cannot be resolved in the catalog.
var ErrFlowNotFound = errors.New("flow not found")

// ErrStepNotFound is returned when a step id cannot be resolved within a flow.
var ErrStepNotFound = errors.New("step not found")

// DefinitionError reports a malformed flow definition. These indicate a
// configuration bug and are fatal for the turn that trips over them.
type DefinitionError struct {
	FlowID string
	StepID string
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("flow %q step %q: %s", e.FlowID, e.StepID, e.Reason)
	}
	return fmt.Sprintf("flow %q: %s", e.FlowID, e.Reason)
}

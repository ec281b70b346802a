package plan

import (
	"fmt"
	"strings"
)

// InvalidStateError reports an operation attempted in a stage that does not
// permit it. Always user-correctable; surfaced verbatim.
type InvalidStateError struct {
	Stage Stage
	Op    Operation
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("operation %s not permitted in stage %s", e.Op, e.Stage)
}

// PreconditionError reports a transition blocked by unmet conditions, such
// as unresolved blocking flags or a missing teach-back confirmation.
type PreconditionError struct {
	Op    Operation
	Unmet []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s blocked: %s", e.Op, strings.Join(e.Unmet, "; "))
}

// NotFoundError reports a plan, section, or flag that does not exist or
// belongs to a different plan.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// GenerationError wraps a generation adapter failure. Plan state is never
// mutated when one is returned; the caller may retry.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("generation failed: %v", e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }

// ExportError reports a failed export attempt. The plan stays in Finalize
// and the failure is recorded in the audit trail.
type ExportError struct {
	Reason string
}

func (e *ExportError) Error() string { return fmt.Sprintf("export failed: %s", e.Reason) }

package pipeline

import "fmt"

// ModuleExecutionError wraps whatever a module raised, keeping the module
// name and its position in the configured list so a user can fix their
// module or configuration without inspecting device internals.
type ModuleExecutionError struct {
	Module string
	Index  int
	Err    error
}

func (e *ModuleExecutionError) Error() string {
	return fmt.Sprintf("module %q (position %d) failed: %v", e.Module, e.Index, e.Err)
}

func (e *ModuleExecutionError) Unwrap() error {
	return e.Err
}

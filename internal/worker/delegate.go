package worker

import "context"

// Brief is everything a delegate gets to know about the work it executes.
// Workers hand delegates this DTO instead of the stored task so that a
// delegate can never mutate lifecycle state behind the worker's back.
type Brief struct {
	TaskID          string
	ShortID         string
	Title           string
	Description     string
	Category        string
	EstimatedHours  float64
	SuccessCriteria []string
	Clarifications  map[string]string
}

// File is one artifact produced by a delegate.
type File struct {
	Path    string
	Content string
}

// Result is what a delegate hands back on success.
type Result struct {
	Summary     string
	Files       []File
	TestCommand string
	ActualHours float64
}

// Delegate executes the domain work of one task. Implementations must honor
// ctx cancellation: the worker cancels it when the task is cancelled
// externally or exceeds its maximum duration.
type Delegate interface {
	Execute(ctx context.Context, brief *Brief) (*Result, error)
}

// DelegateFunc adapts a function to the Delegate interface.
type DelegateFunc func(ctx context.Context, brief *Brief) (*Result, error)

func (f DelegateFunc) Execute(ctx context.Context, brief *Brief) (*Result, error) {
	return f(ctx, brief)
}

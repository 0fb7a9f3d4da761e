package app

import "time"

// Operation identifies one CLI invocation. Its RunID tags every log line
// written during the run.
type Operation struct {
	Name    string
	RunID   string
	Started time.Time
	Status  string // "success" or "error"
}

// NewOperation starts an operation named after the CLI command.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		Name:    name,
		RunID:   now.UTC().Format("20060102T150405Z"),
		Started: now,
		Status:  "success",
	}
}

// Finish records the outcome of the command.
func (op *Operation) Finish(err error) {
	if err != nil {
		op.Status = "error"
	}
}

// Elapsed returns the time since the operation started.
func (op *Operation) Elapsed(now time.Time) time.Duration {
	return now.Sub(op.Started)
}

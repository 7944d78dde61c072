package app

import (
	"time"

	"drop-go/internal/drop"
)

// Operation is one CLI invocation. Its ID tags every log line the
// invocation writes so concurrent runs can be told apart in drop.log.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	StartedAt  time.Time
	Status     string // "success" or "error"
}

// NewOperation starts an operation named name.
func NewOperation(name, parameters string, ids drop.IDGenerator, clock drop.Clock) *Operation {
	return &Operation{
		ID:         ids.New(),
		Name:       name,
		Parameters: parameters,
		StartedAt:  clock.Now(),
		Status:     "success",
	}
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = "error"
}

// Elapsed is the time since the operation started.
func (op *Operation) Elapsed(clock drop.Clock) time.Duration {
	return clock.Now().Sub(op.StartedAt)
}

// Package backend requests change plans from the remote generation
// service. Clients translate one (instruction, context, prior error)
// triple into the service's request shape and parse the response into a
// validated plan. Retry policy belongs to the orchestration loop; no
// client retries internally.
package backend

import (
	"context"
	"errors"
	"time"

	"patchsmith/internal/compress"
	"patchsmith/internal/errparse"
	"patchsmith/internal/plan"
	"patchsmith/internal/task"
)

// Transient transport failure; the surrounding caller may retry the whole
// invocation.
var ErrUnavailable = errors.New("plan backend unavailable")

// The service reported the instruction itself as invalid; not retryable.
var ErrRejected = errors.New("plan backend rejected the instruction")

// Request carries everything the backend needs for one plan attempt.
type Request struct {
	Instruction task.Instruction
	Context     *compress.Bundle
	Report      *errparse.Report // prior failure, nil on the first attempt
	Attempt     int
}

// Client produces a plan for a request. Implementations must not mutate
// local state beyond the network call.
type Client interface {
	RequestPlan(ctx context.Context, req Request) (*plan.Plan, error)
}

// Config selects and tunes a client implementation.
type Config struct {
	Provider string // "http" or "gemini"
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

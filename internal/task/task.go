// Package task defines the instruction handed to one agent invocation.
package task

// Instruction is the free-text goal for one invocation, with optional
// target-path hints. Immutable once submitted.
type Instruction struct {
	Goal        string
	TargetPaths []string
}

package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Capability names a permission that unlocks a fixed set of host operations.
type Capability string

const (
	CapRead      Capability = "read"
	CapWrite     Capability = "write"
	CapNet       Capability = "net"
	CapFS        Capability = "fs"
	CapIO        Capability = "io"
	CapTimers    Capability = "timers"
	CapHeavyMath Capability = "heavyMath"
)

var knownCapabilities = map[Capability]bool{
	CapRead:      true,
	CapWrite:     true,
	CapNet:       true,
	CapFS:        true,
	CapIO:        true,
	CapTimers:    true,
	CapHeavyMath: true,
}

// CapabilitySet is a set of known capabilities.
type CapabilitySet map[Capability]struct{}

// ParseCapabilities builds a set from names. Unknown names grant nothing and
// are dropped.
func ParseCapabilities(names []string) CapabilitySet {
	set := make(CapabilitySet, len(names))
	for _, n := range names {
		c := Capability(strings.TrimSpace(n))
		if knownCapabilities[c] {
			set[c] = struct{}{}
		}
	}
	return set
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Names returns the sorted capability names.
func (s CapabilitySet) Names() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// ExecutionJob is one admitted request to run an artifact.
type ExecutionJob struct {
	ID           string
	ArtifactHash Digest
	Input        []int64
	Capabilities CapabilitySet
	Priority     int
	SubmittedAt  time.Time
}

// OutcomeKind classifies how an execution ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeTimeout
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is Success, Failure(reason) or Timeout.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func Success() Outcome               { return Outcome{Kind: OutcomeSuccess} }
func Failure(reason string) Outcome { return Outcome{Kind: OutcomeFailure, Reason: reason} }
func Timeout() Outcome               { return Outcome{Kind: OutcomeTimeout, Reason: "execution timed out"} }

// ExecutionResult is produced once per job and is not retained by the node.
type ExecutionResult struct {
	JobID    string
	Output   []int64
	Printed  string
	Outcome  Outcome
	Duration time.Duration
}

// DurationMs returns the wall-clock duration in milliseconds.
func (r ExecutionResult) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Err maps a non-success outcome to a coded error.
func (r ExecutionResult) Err() error {
	switch r.Outcome.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeTimeout:
		return NewError(ErrCodeTimeout, r.Outcome.Reason).WithContext("job_id", r.JobID)
	default:
		return NewError(ErrCodeFailure, r.Outcome.Reason).WithContext("job_id", r.JobID)
	}
}

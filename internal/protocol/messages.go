// Package protocol is the peer wire format: a one-byte magic, a big-endian
// message type, and a protobuf-encoded payload.
package protocol

import (
	"fmt"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// Magic starts every frame.
const Magic byte = 0x1A

// MessageType identifies the payload schema.
type MessageType uint32

const (
	TypeCompileRequest MessageType = iota + 1
	TypeCompileResponse
	TypeFetchRequest
	TypeFetchResponse
	TypeExecuteRequest
	TypeExecuteResponse
	TypeCapabilityExchange
)

func (t MessageType) String() string {
	switch t {
	case TypeCompileRequest:
		return "compile-request"
	case TypeCompileResponse:
		return "compile-response"
	case TypeFetchRequest:
		return "fetch-request"
	case TypeFetchResponse:
		return "fetch-response"
	case TypeExecuteRequest:
		return "execute-request"
	case TypeExecuteResponse:
		return "execute-response"
	case TypeCapabilityExchange:
		return "capability-exchange"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Message is any frame payload. Empty and nil slices are equivalent on the
// wire and decode as nil.
type Message interface {
	Type() MessageType
}

// CompileRequest asks a peer to compile and publish source.
type CompileRequest struct {
	Source  []byte
	Options core.Options
}

// CompileResponse carries the artifact hash, or an error code and message.
type CompileResponse struct {
	Hash      core.Digest
	SizeBytes int64
	ErrorCode string
	Error     string
}

// FetchRequest asks for an artifact's bytes.
type FetchRequest struct {
	Hash core.Digest
}

// FetchResponse returns artifact bytes, or NotFound.
type FetchResponse struct {
	Bytes    []byte
	NotFound bool
}

// ExecuteRequest asks a peer to run an artifact.
type ExecuteRequest struct {
	Hash         core.Digest
	Input        []int64
	Capabilities []string
	Priority     int64
}

// ExecuteResponse reports a remote execution.
type ExecuteResponse struct {
	Output     []int64
	ErrorCode  string
	Error      string
	DurationMs int64
	Outcome    core.OutcomeKind
	Printed    string
}

// CapabilityExchange is sent by both sides when a connection opens.
type CapabilityExchange struct {
	Architecture string
	SIMD         bool
	GPU          bool
	Holdings     []byte
}

func (*CompileRequest) Type() MessageType     { return TypeCompileRequest }
func (*CompileResponse) Type() MessageType    { return TypeCompileResponse }
func (*FetchRequest) Type() MessageType       { return TypeFetchRequest }
func (*FetchResponse) Type() MessageType      { return TypeFetchResponse }
func (*ExecuteRequest) Type() MessageType     { return TypeExecuteRequest }
func (*ExecuteResponse) Type() MessageType    { return TypeExecuteResponse }
func (*CapabilityExchange) Type() MessageType { return TypeCapabilityExchange }

// Result converts a response into an execution result.
func (r *ExecuteResponse) Result(jobID string) core.ExecutionResult {
	outcome := core.Outcome{Kind: r.Outcome, Reason: r.Error}
	return core.ExecutionResult{
		JobID:   jobID,
		Output:  r.Output,
		Printed: r.Printed,
		Outcome: outcome,
	}
}

// NewExecuteResponse builds a response from a result and an optional error.
func NewExecuteResponse(res core.ExecutionResult, err error) *ExecuteResponse {
	resp := &ExecuteResponse{
		Output:     res.Output,
		DurationMs: res.DurationMs(),
		Outcome:    res.Outcome.Kind,
		Printed:    res.Printed,
		Error:      res.Outcome.Reason,
	}
	if err != nil {
		resp.ErrorCode = core.Code(err)
		resp.Error = err.Error()
		if resp.Outcome == core.OutcomeSuccess {
			resp.Outcome = core.OutcomeFailure
		}
	} else if res.Outcome.Kind != core.OutcomeSuccess {
		resp.ErrorCode = core.Code(res.Err())
	}
	return resp
}

// Err returns the coded error the response carries, if any.
func (r *ExecuteResponse) Err() error {
	if r.ErrorCode == "" {
		return nil
	}
	return core.NewError(r.ErrorCode, r.Error)
}

// Err returns the coded error the response carries, if any.
func (r *CompileResponse) Err() error {
	if r.ErrorCode == "" {
		return nil
	}
	return core.NewError(r.ErrorCode, r.Error)
}

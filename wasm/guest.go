package wasm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// GuestEnv marks a process started by a ProcessSandbox. Such a process reads
// one job from stdin, writes the result to stdout and exits.
const GuestEnv = "SWARMJIT_GUEST"

// DefaultWaitDelay bounds how long a killed guest's pipes are drained.
const DefaultWaitDelay = time.Second

// ProcessSandbox runs every job in a child process that is killed when the
// run's deadline passes, so a spinning guest never outlives its job. Path is
// a binary that calls GuestMain when IsGuestProcess reports true; normally
// the node's own executable.
type ProcessSandbox struct {
	Path string
	Args []string
	// HostDir and HostTimeout configure the child's LocalHost.
	HostDir     string
	HostTimeout time.Duration
	WaitDelay   time.Duration
}

type guestRequest struct {
	Module       []byte        `cbor:"1,keyasint"`
	Entry        string        `cbor:"2,keyasint"`
	Input        []int64       `cbor:"3,keyasint,omitempty"`
	Capabilities []string      `cbor:"4,keyasint,omitempty"`
	HostDir      string        `cbor:"5,keyasint,omitempty"`
	HostTimeout  time.Duration `cbor:"6,keyasint"`
	Timeout      time.Duration `cbor:"7,keyasint"`
}

type guestResponse struct {
	Kind    core.OutcomeKind `cbor:"1,keyasint"`
	Reason  string           `cbor:"2,keyasint,omitempty"`
	Output  []int64          `cbor:"3,keyasint"`
	Printed string           `cbor:"4,keyasint,omitempty"`
}

func (s *ProcessSandbox) run(ctx context.Context, req guestRequest) (guestResponse, error) {
	payload, err := cbor.Marshal(req)
	if err != nil {
		return guestResponse{}, fmt.Errorf("encode job: %w", err)
	}
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Env = append(os.Environ(), GuestEnv+"=1")
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return guestResponse{}, fmt.Errorf("guest process: %w: %s", err, msg)
		}
		return guestResponse{}, fmt.Errorf("guest process: %w", err)
	}
	var resp guestResponse
	if err := cbor.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return guestResponse{}, fmt.Errorf("decode result: %w", err)
	}
	return resp, nil
}

// IsGuestProcess reports whether this process was started to run one guest.
func IsGuestProcess() bool {
	return os.Getenv(GuestEnv) != ""
}

// GuestMain serves the job on stdin and returns the exit code. Binaries that
// act as a sandbox Path call it before anything else.
func GuestMain() int {
	if err := ServeGuest(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// ServeGuest runs the job read from r and writes its result to w.
func ServeGuest(r io.Reader, w io.Writer) error {
	var req guestRequest
	if err := cbor.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("read job: %w", err)
	}
	return cbor.NewEncoder(w).Encode(runGuest(req))
}

func runGuest(req guestRequest) guestResponse {
	store := wasmer.NewStore(wasmer.NewEngine())
	module, err := wasmer.DeserializeModule(store, req.Module)
	if err != nil {
		return guestResponse{Kind: core.OutcomeFailure, Reason: "invalid module"}
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	defer cancel()

	rs := &runState{
		ctx:  ctx,
		caps: NewContext(core.ParseCapabilities(req.Capabilities)),
		host: NewLocalHost(req.HostDir, req.HostTimeout),
		now:  time.Now,
	}
	call, failed := bind(store, module, rs, req.Entry, req.Input)
	if failed != nil {
		return guestResponse{Kind: failed.Kind, Reason: failed.Reason}
	}
	outcome, output := rs.settle(call())
	return guestResponse{Kind: outcome.Kind, Reason: outcome.Reason, Output: output, Printed: rs.output()}
}

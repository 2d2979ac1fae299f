package core

import "strings"

// Supported compile targets.
const (
	TargetWasm32  = "wasm32"
	DefaultTarget = TargetWasm32
)

// Optimization levels.
const (
	OptNone     = 0
	OptBaseline = 1
	OptSearch   = 2
)

// Options are the compile options that, together with the normalized source,
// determine an artifact's identity.
type Options struct {
	OptLevel int    `cbor:"1,keyasint"`
	Target   string `cbor:"2,keyasint"`
}

// Normalized fills defaults so that equivalent option values hash equally.
// The optimization level is left as given; Valid reports whether it is known.
func (o Options) Normalized() Options {
	if o.Target == "" {
		o.Target = DefaultTarget
	}
	o.Target = strings.ToLower(strings.TrimSpace(o.Target))
	return o
}

// KnownOptLevel reports whether the optimization level is one of OptNone,
// OptBaseline or OptSearch.
func (o Options) KnownOptLevel() bool {
	return o.OptLevel >= OptNone && o.OptLevel <= OptSearch
}

// ModuleInfo is what the runtime can learn from compiled bytes alone.
type ModuleInfo struct {
	Exports     []string
	Imports     []string // "module.name"
	MemoryBytes uint64   // declared initial linear memory, 0 if none
	// MaxMemoryBytes is the most linear memory the module can grow to.
	// Only meaningful when HasMemory and MemoryBounded are both set.
	MaxMemoryBytes uint64
	HasMemory      bool
	MemoryBounded  bool
}

// Artifact is an immutable compiled unit. Bytes must never be modified after
// construction; holders share the same slice.
type Artifact struct {
	Hash        Digest
	Bytes       []byte
	SizeBytes   int
	Options     Options
	MemoryBytes uint64
	Exports     []string
}

// NewArtifact builds an artifact from emitted bytes and their inspection.
func NewArtifact(hash Digest, bytes []byte, opts Options, info ModuleInfo) *Artifact {
	return &Artifact{
		Hash:        hash,
		Bytes:       bytes,
		SizeBytes:   len(bytes),
		Options:     opts,
		MemoryBytes: info.MemoryBytes,
		Exports:     info.Exports,
	}
}

// RawArtifact wraps bytes received from the swarm, where only the hash they
// were published under is known.
func RawArtifact(hash Digest, bytes []byte) *Artifact {
	return &Artifact{Hash: hash, Bytes: bytes, SizeBytes: len(bytes)}
}

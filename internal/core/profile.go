package core

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CapabilityProfile is what peers tell each other about their hardware.
type CapabilityProfile struct {
	Architecture string
	SIMD         bool
	GPU          bool
}

// DetectProfile inspects the local machine. GPU presence cannot be probed
// portably, so it comes from configuration.
func DetectProfile(gpu bool) CapabilityProfile {
	return CapabilityProfile{
		Architecture: runtime.GOARCH,
		SIMD:         detectSIMD(),
		GPU:          gpu,
	}
}

func detectSIMD() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasSSE41 || cpu.X86.HasAVX2
	case "arm64":
		return cpu.ARM64.HasASIMD
	default:
		return false
	}
}

// Matches reports whether a peer with this profile is a preferred source for
// artifacts compiled for target. Wasm runs everywhere, so any architecture
// matches wasm32; SIMD-tuned targets prefer SIMD peers.
func (p CapabilityProfile) Matches(target string) bool {
	switch target {
	case "", TargetWasm32:
		return true
	case "wasm32-simd":
		return p.SIMD
	default:
		return p.Architecture == target
	}
}

package swarm

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// Holdings summary sizing. False positives only cost a wasted fetch attempt.
const (
	HoldingsCapacity          = 10000
	HoldingsFalsePositiveRate = 0.01
)

// Holdings is a bloom-filter summary of the artifact hashes a node stores.
type Holdings struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewHoldings creates an empty summary.
func NewHoldings() *Holdings {
	return &Holdings{filter: bloom.NewWithEstimates(HoldingsCapacity, HoldingsFalsePositiveRate)}
}

// Add records hash.
func (h *Holdings) Add(hash core.Digest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter.Add(hash[:])
}

// MayHave reports whether hash might be held. False means definitely not.
func (h *Holdings) MayHave(hash core.Digest) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.filter.Test(hash[:])
}

// Marshal serializes the summary for the capability exchange.
func (h *Holdings) Marshal() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var buf bytes.Buffer
	if _, err := h.filter.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("marshal holdings: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalHoldings parses a peer's summary. Empty input yields an empty
// summary.
func UnmarshalHoldings(b []byte) (*Holdings, error) {
	if len(b) == 0 {
		return NewHoldings(), nil
	}
	f := bloom.New(1, 1)
	if _, err := f.ReadFrom(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("unmarshal holdings: %w", err)
	}
	return &Holdings{filter: f}, nil
}

package core

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// DigestSize is the length in bytes of every content digest.
const DigestSize = 32

// Digest identifies an artifact. It is the compile cache key, the local store
// key and (as a CID) the DHT key.
type Digest [DigestSize]byte

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 8 hex characters, for logs.
func (d Digest) Short() string {
	return d.String()[:8]
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// CID returns the raw-codec CIDv1 wrapping d as a BLAKE3 multihash.
func (d Digest) CID() (cid.Cid, error) {
	buf, err := mh.Encode(d[:], mh.BLAKE3)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, buf), nil
}

// ParseDigest parses the hex form produced by String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d", DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// DigestFromBytes copies a raw digest.
func DigestFromBytes(raw []byte) (Digest, error) {
	var d Digest
	if len(raw) != DigestSize {
		return d, fmt.Errorf("digest: want %d bytes, got %d", DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Hasher turns byte sequences into digests. Implementations must be
// deterministic and must length-prefix each part so that ("ab","c") and
// ("a","bc") never collide.
type Hasher interface {
	Sum(parts ...[]byte) Digest
}

// Blake3Hasher is the default Hasher.
type Blake3Hasher struct{}

// NewBlake3Hasher creates a BLAKE3-256 hasher.
func NewBlake3Hasher() Blake3Hasher {
	return Blake3Hasher{}
}

// Sum hashes each part as an 8-byte big-endian length followed by its bytes.
func (Blake3Hasher) Sum(parts ...[]byte) Digest {
	h := blake3.New(DigestSize, nil)
	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

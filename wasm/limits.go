package wasm

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	sectionImport = 2
	sectionMemory = 5

	importFunc   = 0
	importTable  = 1
	importMemory = 2
	importGlobal = 3
	importTag    = 4

	limitsHasMax = 0x01
)

var (
	wasmMagic   = []byte{0x00, 'a', 's', 'm'}
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}

	errMalformed = errors.New("malformed module")
)

// memoryLimits sums the page limits of every memory a module declares or
// imports. bounded is false when any of them has no maximum.
type memoryLimits struct {
	memories uint64
	minPages uint64
	maxPages uint64
	bounded  bool
}

func (l memoryLimits) minBytes() uint64 { return l.minPages * PageSize }
func (l memoryLimits) maxBytes() uint64 { return l.maxPages * PageSize }

// readMemoryLimits walks the import and memory sections of a wasm binary.
// wasmer only reports limits for exported or imported memories, so the
// binary is read directly.
func readMemoryLimits(wasm []byte) (memoryLimits, error) {
	lim := memoryLimits{bounded: true}
	if len(wasm) < 8 || !bytes.Equal(wasm[:4], wasmMagic) || !bytes.Equal(wasm[4:8], wasmVersion) {
		return lim, errMalformed
	}
	r := reader{buf: wasm[8:]}
	for !r.done() {
		id, err := r.byte()
		if err != nil {
			return lim, err
		}
		size, err := r.uvarint()
		if err != nil {
			return lim, err
		}
		body, err := r.take(size)
		if err != nil {
			return lim, err
		}
		section := reader{buf: body}
		switch id {
		case sectionImport:
			err = lim.addImports(&section)
		case sectionMemory:
			err = lim.addMemories(&section)
		}
		if err != nil {
			return lim, err
		}
	}
	return lim, nil
}

func (l *memoryLimits) addMemories(r *reader) error {
	n, err := r.uvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		if err := l.addLimits(r); err != nil {
			return err
		}
	}
	return nil
}

func (l *memoryLimits) addImports(r *reader) error {
	n, err := r.uvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		// module and field names
		for j := 0; j < 2; j++ {
			if err := r.skipVec(); err != nil {
				return err
			}
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case importFunc:
			_, err = r.uvarint()
		case importTable:
			if _, err = r.byte(); err == nil {
				err = (&memoryLimits{}).addLimits(r)
			}
		case importMemory:
			err = l.addLimits(r)
		case importGlobal:
			_, err = r.take(2)
		case importTag:
			if _, err = r.byte(); err == nil {
				_, err = r.uvarint()
			}
		default:
			err = errMalformed
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *memoryLimits) addLimits(r *reader) error {
	flags, err := r.uvarint()
	if err != nil {
		return err
	}
	minPages, err := r.uvarint()
	if err != nil {
		return err
	}
	l.memories++
	l.minPages += minPages
	if flags&limitsHasMax == 0 {
		l.bounded = false
		return nil
	}
	maxPages, err := r.uvarint()
	if err != nil {
		return err
	}
	l.maxPages += maxPages
	return nil
}

// reader consumes a wasm byte stream. Integers are unsigned LEB128, which
// is the encoding binary.Uvarint reads.
type reader struct {
	buf []byte
}

func (r *reader) done() bool { return len(r.buf) == 0 }

func (r *reader) byte() (byte, error) {
	if len(r.buf) == 0 {
		return 0, errMalformed
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		return 0, errMalformed
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *reader) take(n uint64) ([]byte, error) {
	if n > uint64(len(r.buf)) {
		return nil, errMalformed
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

func (r *reader) skipVec() error {
	n, err := r.uvarint()
	if err != nil {
		return err
	}
	_, err = r.take(n)
	return err
}

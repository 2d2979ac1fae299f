package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// HeaderSize is the magic byte plus the message type.
const HeaderSize = 5

// compressionLevel trades a little ratio for speed on large artifacts.
const compressionLevel = 5

// Encode frames a message.
func Encode(msg Message) ([]byte, error) {
	buf := make([]byte, HeaderSize, 64)
	buf[0] = Magic
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(msg.Type()))

	switch m := msg.(type) {
	case *CompileRequest:
		buf = appendBytes(buf, 1, m.Source)
		buf = appendVarint(buf, 2, uint64(int64(m.Options.OptLevel)))
		buf = appendString(buf, 3, m.Options.Target)
	case *CompileResponse:
		buf = appendDigest(buf, 1, m.Hash)
		buf = appendVarint(buf, 2, uint64(m.SizeBytes))
		buf = appendString(buf, 3, m.ErrorCode)
		buf = appendString(buf, 4, m.Error)
	case *FetchRequest:
		buf = appendDigest(buf, 1, m.Hash)
	case *FetchResponse:
		payload, compressed := m.Bytes, false
		if len(payload) > 0 {
			if packed, err := compress(payload); err == nil && len(packed) < len(payload) {
				payload, compressed = packed, true
			}
		}
		buf = appendBytes(buf, 1, payload)
		buf = appendBool(buf, 2, m.NotFound)
		buf = appendBool(buf, 3, compressed)
	case *ExecuteRequest:
		buf = appendDigest(buf, 1, m.Hash)
		buf = appendPacked(buf, 2, m.Input)
		for _, c := range m.Capabilities {
			buf = protowire.AppendTag(buf, 3, protowire.BytesType)
			buf = protowire.AppendString(buf, c)
		}
		buf = appendVarint(buf, 4, protowire.EncodeZigZag(m.Priority))
	case *ExecuteResponse:
		buf = appendPacked(buf, 1, m.Output)
		buf = appendString(buf, 2, m.ErrorCode)
		buf = appendString(buf, 3, m.Error)
		buf = appendVarint(buf, 4, uint64(m.DurationMs))
		buf = appendVarint(buf, 5, uint64(m.Outcome))
		buf = appendString(buf, 6, m.Printed)
	case *CapabilityExchange:
		buf = appendString(buf, 1, m.Architecture)
		buf = appendBool(buf, 2, m.SIMD)
		buf = appendBool(buf, 3, m.GPU)
		buf = appendBytes(buf, 4, m.Holdings)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", msg)
	}
	return buf, nil
}

// Decode parses a frame. Every failure is a PROTOCOL_ERROR.
func Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return nil, core.ProtocolError(fmt.Sprintf("frame is %d bytes, need at least %d", len(frame), HeaderSize), nil)
	}
	if frame[0] != Magic {
		return nil, core.ProtocolError(fmt.Sprintf("bad magic 0x%02x", frame[0]), nil)
	}
	typ := MessageType(binary.BigEndian.Uint32(frame[1:HeaderSize]))
	payload := frame[HeaderSize:]

	var (
		msg Message
		err error
	)
	switch typ {
	case TypeCompileRequest:
		msg, err = decodeCompileRequest(payload)
	case TypeCompileResponse:
		msg, err = decodeCompileResponse(payload)
	case TypeFetchRequest:
		msg, err = decodeFetchRequest(payload)
	case TypeFetchResponse:
		msg, err = decodeFetchResponse(payload)
	case TypeExecuteRequest:
		msg, err = decodeExecuteRequest(payload)
	case TypeExecuteResponse:
		msg, err = decodeExecuteResponse(payload)
	case TypeCapabilityExchange:
		msg, err = decodeCapabilityExchange(payload)
	default:
		return nil, core.ProtocolError(fmt.Sprintf("unknown message type %d", uint32(typ)), nil)
	}
	if err != nil {
		return nil, core.ProtocolError("malformed "+typ.String(), err)
	}
	return msg, nil
}

// --- encoding helpers; zero values are omitted ---

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendDigest(b []byte, num protowire.Number, d core.Digest) []byte {
	if d.IsZero() {
		return b
	}
	return appendBytes(b, num, d[:])
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendPacked(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(v))
	}
	return appendBytes(b, num, packed)
}

// --- decoding ---

// walk calls fn for every field. fn returns the number of bytes it consumed,
// 0 to skip the field, or a negative protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

// errWireType is reported when a known field arrives with the wrong type.
const errWireType = -100

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	*dst = append([]byte(nil), v...)
	return n
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	var raw []byte
	n := consumeBytes(typ, b, &raw)
	if n > 0 {
		*dst = string(raw)
	}
	return n
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n
	}
	*dst = v
	return n
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) int {
	var v uint64
	n := consumeVarint(typ, b, &v)
	if n > 0 {
		*dst = v != 0
	}
	return n
}

func consumeDigest(typ protowire.Type, b []byte, dst *core.Digest) (int, error) {
	var raw []byte
	n := consumeBytes(typ, b, &raw)
	if n < 0 {
		return n, nil
	}
	d, err := core.DigestFromBytes(raw)
	if err != nil {
		return n, err
	}
	*dst = d
	return n, nil
}

func consumePacked(typ protowire.Type, b []byte, dst *[]int64) int {
	var raw []byte
	n := consumeBytes(typ, b, &raw)
	if n < 0 {
		return n
	}
	for len(raw) > 0 {
		v, m := protowire.ConsumeVarint(raw)
		if m < 0 {
			return m
		}
		*dst = append(*dst, protowire.DecodeZigZag(v))
		raw = raw[m:]
	}
	return n
}

// fieldErr lets decoders report semantic errors (such as a short digest)
// from inside walk.
type fieldErr struct{ err error }

func (f *fieldErr) digest(typ protowire.Type, b []byte, dst *core.Digest) int {
	n, err := consumeDigest(typ, b, dst)
	if err != nil && f.err == nil {
		f.err = err
	}
	return n
}

func (f *fieldErr) result(err error) error {
	if err != nil {
		return err
	}
	return f.err
}

func decodeCompileRequest(p []byte) (Message, error) {
	m := &CompileRequest{}
	err := walk(p, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeBytes(typ, b, &m.Source)
		case 2:
			var v uint64
			n := consumeVarint(typ, b, &v)
			m.Options.OptLevel = int(int64(v))
			return n
		case 3:
			return consumeString(typ, b, &m.Options.Target)
		}
		return 0
	})
	return m, err
}

func decodeCompileResponse(p []byte) (Message, error) {
	m := &CompileResponse{}
	var fe fieldErr
	err := walk(p, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return fe.digest(typ, b, &m.Hash)
		case 2:
			var v uint64
			n := consumeVarint(typ, b, &v)
			m.SizeBytes = int64(v)
			return n
		case 3:
			return consumeString(typ, b, &m.ErrorCode)
		case 4:
			return consumeString(typ, b, &m.Error)
		}
		return 0
	})
	return m, fe.result(err)
}

func decodeFetchRequest(p []byte) (Message, error) {
	m := &FetchRequest{}
	var fe fieldErr
	err := walk(p, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return fe.digest(typ, b, &m.Hash)
		}
		return 0
	})
	return m, fe.result(err)
}

func decodeFetchResponse(p []byte) (Message, error) {
	m := &FetchResponse{}
	compressed := false
	err := walk(p, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeBytes(typ, b, &m.Bytes)
		case 2:
			return consumeBool(typ, b, &m.NotFound)
		case 3:
			return consumeBool(typ, b, &compressed)
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	if compressed {
		raw, err := decompress(m.Bytes)
		if err != nil {
			return nil, err
		}
		m.Bytes = raw
	}
	return m, nil
}

func decodeExecuteRequest(p []byte) (Message, error) {
	m := &ExecuteRequest{}
	var fe fieldErr
	err := walk(p, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return fe.digest(typ, b, &m.Hash)
		case 2:
			return consumePacked(typ, b, &m.Input)
		case 3:
			var c string
			n := consumeString(typ, b, &c)
			if n > 0 {
				m.Capabilities = append(m.Capabilities, c)
			}
			return n
		case 4:
			var v uint64
			n := consumeVarint(typ, b, &v)
			m.Priority = protowire.DecodeZigZag(v)
			return n
		}
		return 0
	})
	return m, fe.result(err)
}

func decodeExecuteResponse(p []byte) (Message, error) {
	m := &ExecuteResponse{}
	err := walk(p, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			return consumePacked(typ, b, &m.Output)
		case 2:
			return consumeString(typ, b, &m.ErrorCode)
		case 3:
			return consumeString(typ, b, &m.Error)
		case 4:
			n := consumeVarint(typ, b, &v)
			m.DurationMs = int64(v)
			return n
		case 5:
			n := consumeVarint(typ, b, &v)
			m.Outcome = core.OutcomeKind(v)
			return n
		case 6:
			return consumeString(typ, b, &m.Printed)
		}
		return 0
	})
	return m, err
}

func decodeCapabilityExchange(p []byte) (Message, error) {
	m := &CapabilityExchange{}
	err := walk(p, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Architecture)
		case 2:
			return consumeBool(typ, b, &m.SIMD)
		case 3:
			return consumeBool(typ, b, &m.GPU)
		case 4:
			return consumeBytes(typ, b, &m.Holdings)
		}
		return 0
	})
	return m, err
}

// --- compression ---

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, compressionLevel)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress refuses output larger than MaxFrameSize.
func decompress(b []byte) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(b)), MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("decompress: payload exceeds %d bytes", MaxFrameSize)
	}
	return out, nil
}

package protocol

import (
	"errors"
	"io"

	"github.com/libp2p/go-msgio"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// MaxFrameSize bounds one frame on a stream.
const MaxFrameSize = 16 << 20

// WriteFrame encodes msg and writes it with a uvarint length prefix.
func WriteFrame(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(frame) > MaxFrameSize {
		return core.ProtocolError("frame exceeds maximum size", nil).WithContext("size", len(frame))
	}
	return msgio.NewVarintWriter(w).WriteMsg(frame)
}

// ReadFrame reads one length-prefixed frame and decodes it. A clean EOF
// before any bytes is returned as io.EOF; everything else malformed is a
// PROTOCOL_ERROR.
func ReadFrame(r io.Reader) (Message, error) {
	reader := msgio.NewVarintReaderSize(r, MaxFrameSize)
	frame, err := reader.ReadMsg()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, core.ProtocolError("read frame", err)
	}
	defer reader.ReleaseMsg(frame)
	return Decode(frame)
}

// Exchange writes req and reads one reply from the same stream.
func Exchange(rw io.ReadWriter, req Message) (Message, error) {
	if err := WriteFrame(rw, req); err != nil {
		return nil, err
	}
	return ReadFrame(rw)
}

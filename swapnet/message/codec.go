package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize is §4.4's hard cap on a single frame's CBOR payload.
const MaxFrameSize = 10 * 1024 * 1024

// ErrFrameTooLarge is returned by ReadFrame when a frame's declared
// length exceeds MaxFrameSize; the spec treats this as fatal for the
// substream.
var ErrFrameTooLarge = errors.New("message: frame exceeds 10 MiB limit")

var encMode, decMode = newCodec()

func newCodec() (cbor.EncMode, cbor.DecMode) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("message: invalid cbor encoder options: " + err.Error())
	}
	dec, err := cbor.DecOptions{MaxArrayElements: 1 << 20, MaxMapPairs: 1 << 20}.DecMode()
	if err != nil {
		panic("message: invalid cbor decoder options: " + err.Error())
	}
	return enc, dec
}

// Encode serializes v to CBOR.
func Encode(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode deserializes CBOR bytes into v.
func Decode(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// WriteFrame writes v as one length-prefixed CBOR frame: a big-endian u32
// payload length followed by the CBOR encoding.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := Encode(v)
	if err != nil {
		return fmt.Errorf("message: encode: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("message: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("message: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed CBOR frame and decodes it into v.
// The length is checked against MaxFrameSize before any payload bytes are
// read, so an oversize frame is rejected pre-deserialization.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("message: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("message: read frame payload: %w", err)
	}
	if err := Decode(payload, v); err != nil {
		return fmt.Errorf("message: decode: %w", err)
	}
	return nil
}

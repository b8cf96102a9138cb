package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// CompressionThreshold is the minimum payload size to consider compression (512 bytes)
	CompressionThreshold = 512

	// headerSize is version + type + flags
	headerSize = 3
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: payload is LZ4 compressed
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidVersion       = errors.New("invalid protocol version")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is one protocol message.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
//
// Over a websocket every binary message holds exactly one frame.
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// CompressPayload compresses data using an LZ4 block prefixed by the
// uncompressed size. The second return is false when compression would not
// make the payload smaller, in which case data is returned untouched.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}
	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// EncodeFrame writes f to w. Payloads of at least CompressionThreshold bytes
// are compressed when that saves space.
func EncodeFrame(w io.Writer, f *Frame) error {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(headerSize + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if err := WriteUint32(w, length); err != nil {
		return err
	}
	if _, err := w.Write([]byte{f.Version, f.Type, flags}); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	// Flush if the writer supports it (e.g. *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads one frame from r, decompressing the payload if needed.
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < headerSize {
		return nil, ErrInvalidFrameLength
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	version, msgType, flags := header[0], header[1], header[2]
	if version == 0 || version > ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	payload := make([]byte, length-headerSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	if flags&FlagCompressed != 0 && len(payload) > 0 {
		payload, err = DecompressPayload(payload)
		if err != nil {
			return nil, err
		}
		flags &^= FlagCompressed
	}

	return &Frame{
		Version: version,
		Type:    msgType,
		Flags:   flags,
		Payload: payload,
	}, nil
}

// Bytes encodes f into a new byte slice.
func (f *Frame) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseFrame decodes a frame held entirely in data. Trailing bytes are an error.
func ParseFrame(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)
	f, err := DecodeFrame(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, ErrInvalidFrameLength
	}
	return f, nil
}

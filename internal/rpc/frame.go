package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
)

// MaxFrameSize is the hard cap on a single frame's encoded size, per
// spec.md §4.13.
const MaxFrameSize = 2 << 20 // 2 MiB

// compressThreshold is the payload size above which a frame is s2-compressed
// before being written. Below it, compression overhead isn't worth paying.
const compressThreshold = 1 << 10 // 1 KiB

// The length prefix is a 4-byte little-endian uint32. Its high bit is
// reserved as a "this frame is s2-compressed" flag, since no real frame will
// ever need the 31st bit of a 2 MiB-capped length.
const compressedFlag = uint32(1) << 31

// writeFrame writes payload as one length-prefixed frame, compressing it
// first if that shrinks it below its original size.
func writeFrame(w io.Writer, payload []byte) error {
	body := payload
	compressed := false

	if len(payload) > compressThreshold {
		enc := s2.Encode(nil, payload)
		if len(enc) < len(payload) {
			body = enc
			compressed = true
		}
	}

	if len(body) > MaxFrameSize {
		return fmt.Errorf("rpc: frame of %d bytes exceeds max frame size %d", len(body), MaxFrameSize)
	}

	length := uint32(len(body))
	if compressed {
		length |= compressedFlag
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], length)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame and decompresses it if needed.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	raw := binary.LittleEndian.Uint32(hdr[:])
	compressed := raw&compressedFlag != 0
	length := raw &^ compressedFlag

	if length > MaxFrameSize {
		return nil, fmt.Errorf("rpc: incoming frame of %d bytes exceeds max frame size %d", length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if !compressed {
		return body, nil
	}
	return s2.Decode(nil, body)
}

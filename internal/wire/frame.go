package wire

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// HeaderLength is the size of the ASCII hex length prefix in front of every packet.
const HeaderLength = 8

// DefaultMaxFrameBytes bounds a single inbound packet.
const DefaultMaxFrameBytes = 4 << 20

var (
	// ErrMalformedHeader reports a length prefix that is not hexadecimal.
	ErrMalformedHeader = errors.New("malformed frame header")
	// ErrFrameTooLarge reports a length prefix above the configured limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// Frame prefixes the packet with its length header so it can be written to a stream.
func Frame(packet []byte) []byte {
	out := make([]byte, 0, HeaderLength+len(packet))
	out = fmt.Appendf(out, "%08x", len(packet))
	return append(out, packet...)
}

// WriteFrame writes one framed packet to w.
func WriteFrame(w io.Writer, packet []byte) error {
	if _, err := w.Write(Frame(packet)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one framed packet from r. maxBytes <= 0 applies DefaultMaxFrameBytes.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	//1.- Parse the hex size and reject anything we would refuse to buffer. Peers
	// may pad the header with leading spaces instead of zeros.
	size, err := strconv.ParseUint(strings.TrimLeft(string(header[:]), " "), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, header[:])
	}
	if size > uint64(maxBytes) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxBytes)
	}
	//2.- Read the packet body; a short read means the peer went away mid-frame.
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

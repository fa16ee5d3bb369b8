package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// WriteFrame writes buf prefixed with its varint-encoded length.
func WriteFrame(w io.Writer, buf []byte) error {
	if len(buf) > MaxFrameSize {
		return ErrTooLargeFrame
	}
	prefix := protowire.AppendVarint(nil, uint64(len(buf)))
	prefixedBuf := make([]byte, len(prefix)+len(buf))
	copy(prefixedBuf, prefix)
	copy(prefixedBuf[len(prefix):], buf)
	_, err := w.Write(prefixedBuf)
	return err
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if m != 0 {
			byteRead := buf[n]
			n = n + m
			if byteRead < 0x80 {
				break
			}
		}
		if err != nil {
			if err == io.EOF && n > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	size, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if size > MaxFrameSize {
		return nil, ErrTooLargeFrame
	}

	buf = make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

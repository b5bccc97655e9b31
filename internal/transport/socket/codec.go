package socket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the default frame limit. Payloads travel inside a single
// frame, so a package larger than this cannot go over the socket transport.
const MaxFrameSize = 8 << 20

const frameHeaderLen = 4

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrEmptyFrame    = errors.New("empty frame")
)

func WriteFrame(w io.Writer, payload []byte) error {
	return WriteFrameLimit(w, payload, MaxFrameSize)
}

// WriteFrameLimit writes a big-endian uint32 length followed by payload in a
// single write.
func WriteFrameLimit(w io.Writer, payload []byte, limit int) error {
	if len(payload) > limit {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), limit)
	}
	buf := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

func ReadFrame(r *bufio.Reader) ([]byte, error) {
	return ReadFrameLimit(r, MaxFrameSize)
}

func ReadFrameLimit(r *bufio.Reader, limit int) ([]byte, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := uint64(binary.BigEndian.Uint32(header[:]))
	switch {
	case n == 0:
		return nil, ErrEmptyFrame
	case n > uint64(limit):
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, limit)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return payload, nil
}

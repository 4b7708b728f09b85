package network

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single length-prefixed frame.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a peer announces or sends an oversized frame.
var ErrFrameTooLarge = errors.New("frame too large")

// FrameReader reads one whole message per call.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// FrameWriter writes one whole message per call.
type FrameWriter interface {
	WriteFrame(p []byte) error
}

// Framing builds readers and writers for one message-delimiting scheme.
type Framing interface {
	NewReader(r io.Reader) FrameReader
	NewWriter(w io.Writer) FrameWriter
}

// LengthPrefixed frames each message with a 4-byte big-endian length. The
// broker protocol uses it.
var LengthPrefixed Framing = lengthPrefixed{}

// Lines frames each message as one newline-terminated line. Local devices
// (TCP and serial) speak it.
var Lines Framing = lines{}

type lengthPrefixed struct{}

func (lengthPrefixed) NewReader(r io.Reader) FrameReader { return &lengthReader{r: r} }
func (lengthPrefixed) NewWriter(w io.Writer) FrameWriter { return &lengthWriter{w: w} }

type lengthReader struct {
	r   io.Reader
	hdr [4]byte
}

func (lr *lengthReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(lr.r, lr.hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lr.hdr[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(lr.r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

type lengthWriter struct {
	w io.Writer
}

// WriteFrame issues header and body in a single Write so a frame is never
// split across two syscalls.
func (lw *lengthWriter) WriteFrame(p []byte) error {
	if len(p) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	buf := make([]byte, 4+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[4:], p)
	_, err := lw.w.Write(buf)
	return err
}

type lines struct{}

func (lines) NewReader(r io.Reader) FrameReader { return &lineReader{r: bufio.NewReader(r)} }
func (lines) NewWriter(w io.Writer) FrameWriter { return &lineWriter{w: w} }

type lineReader struct {
	r *bufio.Reader
}

func (lr *lineReader) ReadFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := lr.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxFrameSize {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrFrameTooLarge, MaxFrameSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

type lineWriter struct {
	w io.Writer
}

func (lw *lineWriter) WriteFrame(p []byte) error {
	if bytes.ContainsAny(p, "\r\n") {
		return fmt.Errorf("line frame contains a line break")
	}
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = '\n'
	_, err := lw.w.Write(buf)
	return err
}

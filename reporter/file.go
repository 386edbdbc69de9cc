// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package reporter consumes finalized event frames from the transport and
// persists them. The capture file keeps the frames verbatim: section tags
// and payload bytes are not interpreted at this layer.
package reporter // import "github.com/ovswatch/ovswatch/reporter"

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Capture file layout: a plain header (magic, version, session id, boot time
// delta) followed by a zstd stream of length-prefixed frames.
var captureMagic = [4]byte{'O', 'V', 'S', 'W'}

const (
	captureVersion   = 1
	captureHeaderLen = 4 + 2 + 16 + 8
)

// FileReporter writes event frames to a compressed capture file.
type FileReporter struct {
	file    *os.File
	enc     *zstd.Encoder
	session uuid.UUID
	frames  atomic.Uint64
}

// NewFile creates the capture file at path. bootTimeUnixNano lets the
// collector side convert the monotonic timestamps inside the frames.
func NewFile(path string, session uuid.UUID, bootTimeUnixNano int64) (*FileReporter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating capture file: %v", err)
	}

	hdr := make([]byte, captureHeaderLen)
	copy(hdr[0:4], captureMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], captureVersion)
	copy(hdr[6:22], session[:])
	binary.LittleEndian.PutUint64(hdr[22:30], uint64(bootTimeUnixNano))
	if _, err := file.Write(hdr); err != nil {
		file.Close()
		return nil, fmt.Errorf("writing capture header: %v", err)
	}

	enc, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("creating zstd writer: %v", err)
	}
	return &FileReporter{file: file, enc: enc, session: session}, nil
}

// Run consumes frames until the channel is closed or ctx is canceled.
func (r *FileReporter) Run(ctx context.Context, frames <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := r.writeFrame(frame); err != nil {
				return fmt.Errorf("writing frame: %v", err)
			}
		}
	}
}

func (r *FileReporter) writeFrame(frame []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := r.enc.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := r.enc.Write(frame); err != nil {
		return err
	}
	r.frames.Add(1)
	return nil
}

// Frames returns the number of frames written so far.
func (r *FileReporter) Frames() uint64 {
	return r.frames.Load()
}

// Close flushes the compressed stream and closes the file.
func (r *FileReporter) Close() error {
	encErr := r.enc.Close()
	fileErr := r.file.Close()
	if encErr != nil {
		return encErr
	}
	return fileErr
}

// CaptureReader reads a capture file back, for the collector side and for
// tests.
type CaptureReader struct {
	file    *os.File
	dec     *zstd.Decoder
	Session uuid.UUID
	// BootTimeUnixNano is the monotonic-to-unixtime delta recorded by the
	// capturing agent.
	BootTimeUnixNano int64
}

// OpenCapture opens a capture file and validates its header.
func OpenCapture(path string) (*CaptureReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, captureHeaderLen)
	if _, err := io.ReadFull(file, hdr); err != nil {
		file.Close()
		return nil, fmt.Errorf("reading capture header: %v", err)
	}
	if [4]byte(hdr[0:4]) != captureMagic {
		file.Close()
		return nil, fmt.Errorf("not a capture file: bad magic %q", hdr[0:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != captureVersion {
		file.Close()
		return nil, fmt.Errorf("unsupported capture version %d", v)
	}

	dec, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("creating zstd reader: %v", err)
	}
	r := &CaptureReader{
		file:             file,
		dec:              dec,
		BootTimeUnixNano: int64(binary.LittleEndian.Uint64(hdr[22:30])),
	}
	copy(r.Session[:], hdr[6:22])
	return r, nil
}

// Next returns the next frame, or io.EOF at the end of the capture.
func (r *CaptureReader) Next() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.dec, lenBuf[:]); err != nil {
		return nil, err
	}
	frame := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r.dec, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// Close releases the reader.
func (r *CaptureReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}

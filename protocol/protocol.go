// Package protocol implements the length-prefixed binary framing spoken by
// the tile-game server.
//
// Every unit of stream I/O is a frame: a 4-byte little-endian unsigned length
// immediately followed by that many payload bytes. The receiver reads the
// length first to determine the payload size, then reads exactly that many
// bytes — this is what solves TCP's sticky packet problem. A declared length
// of zero is a valid empty frame, not an error and not end-of-stream.
//
// Frame format:
//
//	0         4
//	┌─────────┬────────────────┐
//	│ length  │   payload ...  │
//	│ uint32  │  length bytes  │
//	└─────────┴────────────────┘
//
// RPC requests are additionally preceded by a fixed 4-byte operation header
// carrying the opcode in the first byte and three zero bytes of padding:
//
//	0    1        4         8
//	┌────┬────────┬─────────┬────────────────┐
//	│ op │ 0 0 0  │ length  │   payload ...  │
//	└────┴────────┴─────────┴────────────────┘
package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// LengthSize is the size of the frame length prefix.
	LengthSize = 4
	// OpHeaderSize is the size of the operation header preceding a request frame.
	OpHeaderSize = 4
	// MaxFrameLen bounds the declared payload length. A prefix above this is
	// treated as desynchronization, not as a real frame.
	MaxFrameLen = 16 << 20

	// DefaultPollInterval is how often a frame read waiting for its first
	// byte wakes up to check for cancellation.
	DefaultPollInterval = 50 * time.Millisecond
)

var (
	// ErrClosed reports that the peer closed the stream before any byte of a
	// frame was read. This is the clean end-of-stream condition.
	ErrClosed = errors.New("stream closed")
	// ErrTruncated reports that the peer closed the stream mid-frame. The
	// stream is desynchronized and the connection must be torn down.
	ErrTruncated = errors.New("truncated frame")
	// ErrFrameTooLarge reports a length prefix above MaxFrameLen.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// Opcode identifies an RPC operation. The set is closed — the server rejects
// anything else.
type Opcode byte

const (
	OpConnect     Opcode = 1
	OpListLobby   Opcode = 2
	OpCreateLobby Opcode = 3
	OpJoinLobby   Opcode = 4
	OpQuitLobby   Opcode = 5
	OpStartGame   Opcode = 6
	OpSetTile     Opcode = 7
	OpHeartbeat   Opcode = 8
	OpDisconnect  Opcode = 9
)

var opNames = map[Opcode]string{
	OpConnect:     "Connect",
	OpListLobby:   "ListLobby",
	OpCreateLobby: "CreateLobby",
	OpJoinLobby:   "JoinLobby",
	OpQuitLobby:   "QuitLobby",
	OpStartGame:   "StartGame",
	OpSetTile:     "SetTile",
	OpHeartbeat:   "Heartbeat",
	OpDisconnect:  "Disconnect",
}

func (op Opcode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", byte(op))
}

// Valid reports whether op belongs to the closed operation set.
func (op Opcode) Valid() bool {
	_, ok := opNames[op]
	return ok
}

// deadlineReader is the subset of net.Conn the framer uses to make a blocked
// first-byte read interruptible. Plain io.Readers (bytes.Buffer in tests)
// degrade to fully blocking reads.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// Framer reads and writes frames over a raw byte stream. Reads must not be
// issued concurrently — the caller is responsible for the single-reader
// discipline. Writes are single io.Writer calls, so a caller holding a write
// lock cannot have its frame interleaved with another's.
type Framer struct {
	rw   io.ReadWriter
	poll time.Duration
}

// NewFramer wraps a byte stream. If rw supports read deadlines (any net.Conn
// does), frame reads honor context cancellation while waiting for a frame to
// begin.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{rw: rw, poll: DefaultPollInterval}
}

// SetPollInterval overrides the first-byte cancellation poll interval.
func (f *Framer) SetPollInterval(d time.Duration) {
	if d > 0 {
		f.poll = d
	}
}

// WriteFrame writes one length-prefixed frame. The prefix and payload go out
// in a single Write call.
func (f *Framer) WriteFrame(payload []byte) error {
	buf := make([]byte, LengthSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:LengthSize], uint32(len(payload)))
	copy(buf[LengthSize:], payload)
	if _, err := f.rw.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteRequest writes the 4-byte operation header followed by the
// length-prefixed payload frame. Both go out in a single Write call so that
// a request can never be split by a concurrent writer.
func (f *Framer) WriteRequest(op Opcode, payload []byte) error {
	buf := make([]byte, OpHeaderSize+LengthSize+len(payload))
	buf[0] = byte(op)
	// buf[1:4] stay zero: reserved padding
	binary.LittleEndian.PutUint32(buf[OpHeaderSize:OpHeaderSize+LengthSize], uint32(len(payload)))
	copy(buf[OpHeaderSize+LengthSize:], payload)
	if _, err := f.rw.Write(buf); err != nil {
		return fmt.Errorf("write request %s: %w", op, err)
	}
	return nil
}

// ReadFrame reads one complete frame and returns its payload. A zero-length
// frame returns an empty, non-nil slice.
//
// Cancellation is honored only while waiting for the first byte of the
// frame: once any byte has been consumed, the frame is read to completion
// regardless of ctx, because abandoning a partially consumed frame would
// corrupt every frame after it. Callers that need cancel-after-start
// semantics should check ctx.Err() once ReadFrame returns and discard the
// payload.
func (f *Framer) ReadFrame(ctx context.Context) ([]byte, error) {
	first, err := f.readFirstByte(ctx)
	if err != nil {
		return nil, err
	}

	header := make([]byte, LengthSize)
	header[0] = first
	if _, err := io.ReadFull(f.rw, header[1:]); err != nil {
		return nil, f.midFrameErr(err)
	}

	length := binary.LittleEndian.Uint32(header)
	if length > MaxFrameLen {
		return nil, fmt.Errorf("%w: declared length %d", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		return nil, f.midFrameErr(err)
	}
	return payload, nil
}

// readFirstByte blocks until the first byte of the next frame arrives, the
// stream ends, or ctx is done. Reading a single byte cannot leave the stream
// mid-frame, so this is the only point where cancellation is safe.
func (f *Framer) readFirstByte(ctx context.Context) (byte, error) {
	var one [1]byte

	dr, ok := f.rw.(deadlineReader)
	if !ok {
		if _, err := io.ReadFull(f.rw, one[:]); err != nil {
			return 0, f.startFrameErr(err)
		}
		return one[0], nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		deadline := time.Now().Add(f.poll)
		if d, hasDeadline := ctx.Deadline(); hasDeadline && d.Before(deadline) {
			deadline = d
		}
		_ = dr.SetReadDeadline(deadline)

		_, err := io.ReadFull(f.rw, one[:])
		if err == nil {
			// Frame started: disarm the deadline so the rest of the frame
			// reads to completion.
			_ = dr.SetReadDeadline(time.Time{})
			return one[0], nil
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return 0, f.startFrameErr(err)
	}
}

// startFrameErr maps an error that occurred before any frame byte was read.
func (f *Framer) startFrameErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("read frame: %w", err)
}

// midFrameErr maps an error that occurred after the frame started. EOF here
// means the peer quit mid-frame — a framing error, never a clean close.
func (f *Framer) midFrameErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: stream ended inside a frame", ErrTruncated)
	}
	return fmt.Errorf("%w: %v", ErrTruncated, err)
}

// ReadOpHeader reads a 4-byte operation header. This is the server-side
// counterpart of WriteRequest; the client never receives op headers, but
// test fixtures acting as the server do.
func (f *Framer) ReadOpHeader(ctx context.Context) (Opcode, error) {
	first, err := f.readFirstByte(ctx)
	if err != nil {
		return 0, err
	}
	var rest [OpHeaderSize - 1]byte
	if _, err := io.ReadFull(f.rw, rest[:]); err != nil {
		return 0, f.midFrameErr(err)
	}
	op := Opcode(first)
	if !op.Valid() {
		return 0, fmt.Errorf("invalid opcode: %d", first)
	}
	return op, nil
}

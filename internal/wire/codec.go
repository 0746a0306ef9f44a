// Package wire implements the sync protocol messages and their framing.
//
// A frame is the uvarint length of the rest of the frame, one message code
// byte and the RLP encoding of the message.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	pool "github.com/libp2p/go-buffer-pool"
)

// MaxFrameSize bounds a single frame.
const MaxFrameSize = 16 << 20

var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrEmptyFrame     = errors.New("empty frame")
	ErrUnknownCode    = errors.New("unknown message code")
	ErrInvalidMessage = errors.New("invalid message")
)

type validator interface {
	ValidateBasic() error
}

// Marshal returns the frame for msg.
func Marshal(msg Message) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %v: %w", msg.Code(), err)
	}
	size := len(payload) + 1
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	frame := make([]byte, binary.MaxVarintLen64+size)
	n := binary.PutUvarint(frame, uint64(size))
	frame[n] = byte(msg.Code())
	copy(frame[n+1:], payload)
	return frame[:n+size], nil
}

// Unmarshal decodes the body of a frame: the code byte followed by the
// payload.
func Unmarshal(body []byte) (Message, error) {
	if len(body) == 0 {
		return nil, ErrEmptyFrame
	}
	msg, err := newMessage(Code(body[0]))
	if err != nil {
		return nil, err
	}
	if err := rlp.DecodeBytes(body[1:], msg); err != nil {
		return nil, fmt.Errorf("%w: decoding %v: %v", ErrInvalidMessage, msg.Code(), err)
	}
	if v, ok := msg.(validator); ok {
		if err := v.ValidateBasic(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// Writer writes frames to an underlying stream. It is not safe for
// concurrent use.
type Writer struct {
	w      io.Writer
	lenBuf [binary.MaxVarintLen64]byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMsg writes one frame and returns the number of bytes written.
func (w *Writer) WriteMsg(msg Message) (int, error) {
	payload, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding %v: %w", msg.Code(), err)
	}
	size := len(payload) + 1
	if size > MaxFrameSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	n := binary.PutUvarint(w.lenBuf[:], uint64(size))
	buf := pool.Get(n + size)
	defer pool.Put(buf)
	copy(buf, w.lenBuf[:n])
	buf[n] = byte(msg.Code())
	copy(buf[n+1:], payload)
	return w.w.Write(buf)
}

// Reader reads frames from an underlying stream. It is not safe for
// concurrent use.
type Reader struct {
	r       *bufio.Reader
	maxSize int
}

func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 || maxSize > MaxFrameSize {
		maxSize = MaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadMsg reads and decodes the next frame. It returns the message and the
// size of the frame. io.EOF is returned unwrapped on a clean end of stream.
func (r *Reader) ReadMsg() (Message, int, error) {
	size64, err := binary.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("reading frame length: %w", err)
	}
	if size64 == 0 {
		return nil, 0, ErrEmptyFrame
	}
	if size64 > uint64(r.maxSize) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size64, r.maxSize)
	}
	size := int(size64)

	buf := pool.Get(size)
	defer pool.Put(buf)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, 0, fmt.Errorf("reading frame: %w", err)
	}
	msg, err := Unmarshal(buf)
	if err != nil {
		return nil, 0, err
	}
	return msg, size, nil
}

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds the frames accepted by a stream.
const MaxFrameSize = 16 << 20

type result struct {
	frame []byte
	err   error
}

// Stream carries length prefixed frames over a byte stream such as stdio or TCP.
// Each frame is preceded by its length as a 4 byte big endian integer.
type Stream struct {
	r io.Reader
	w io.Writer
	c io.Closer

	wmtx sync.Mutex

	frames chan result
	done   chan struct{}
	once   sync.Once
}

// NewStream starts reading frames from r. Frames are written to w. c, if not nil, is closed by
// Close.
func NewStream(r io.Reader, w io.Writer, c io.Closer) *Stream {
	s := &Stream{
		r:      r,
		w:      w,
		c:      c,
		frames: make(chan result, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	var header [4]byte
	for {
		frame, err := func() ([]byte, error) {
			if _, err := io.ReadFull(s.r, header[:]); err != nil {
				return nil, err
			}
			size := binary.BigEndian.Uint32(header[:])
			if size > MaxFrameSize {
				return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", size)
			}
			frame := make([]byte, size)
			if _, err := io.ReadFull(s.r, frame); err != nil {
				return nil, err
			}
			return frame, nil
		}()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrClosed
		}
		select {
		case s.frames <- result{frame: frame, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Stream) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds limit", len(frame))
	}
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)

	s.wmtx.Lock()
	defer s.wmtx.Unlock()
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case r := <-s.frames:
		if r.err != nil {
			// keep reporting the terminal error to later callers
			select {
			case s.frames <- r:
			default:
			}
		}
		return r.frame, r.err
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.c != nil {
			err = s.c.Close()
		}
	})
	return err
}

// Package filetransfer tracks the progress of whole-file transfers streamed
// over dedicated connections.
package filetransfer

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ChunkSize is the most bytes moved by a single step of a session.
const ChunkSize = 1024 * 1024

// Direction says whether a session writes into or reads from its file.
type Direction int

const (
	// Inbound sessions receive bytes from a connection into a file.
	Inbound Direction = iota
	// Outbound sessions send a file's bytes to a connection.
	Outbound
)

// String returns the metric/log label for the direction.
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

var (
	// ErrIncomplete is returned when the peer stops before the declared size arrived.
	ErrIncomplete = errors.New("transfer ended before declared size")

	// ErrFinished is returned when a step is requested on a finalized session.
	ErrFinished = errors.New("transfer already finished")
)

// FileSender moves up to count bytes of f starting at offset to a
// connection, ideally without copying through user space.
type FileSender interface {
	SendFile(f *os.File, offset int64, count int) (int, error)
}

// Option configures a Session.
type Option func(*Session)

// WithCompletion registers fn to run once when the session finalizes
// cleanly. It does not run for aborted sessions or failed flushes.
func WithCompletion(fn func(*Session)) Option {
	return func(s *Session) {
		s.onComplete = fn
	}
}

// Session is one in-flight transfer. It owns its file handle and finalizes
// itself, exactly once, when transferred reaches total.
type Session struct {
	name        string
	path        string
	dir         Direction
	total       int64
	transferred int64
	file        *os.File
	buf         []byte
	finalized   bool
	onComplete  func(*Session)
}

// NewInbound creates (or truncates) path and returns a session expecting
// total bytes. A zero total is complete on return.
func NewInbound(path, name string, total int64, opts ...Option) (*Session, error) {
	if total < 0 {
		return nil, fmt.Errorf("invalid transfer size %d", total)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	s := &Session{
		name:  name,
		path:  path,
		dir:   Inbound,
		total: total,
		file:  f,
	}
	for _, opt := range opts {
		opt(s)
	}

	if total == 0 {
		if err := s.finalize(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewOutbound opens path for sending. The total is the file's current size.
func NewOutbound(path, name string, opts ...Option) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	s := &Session{
		name:  name,
		path:  path,
		dir:   Outbound,
		total: info.Size(),
		file:  f,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.total == 0 {
		if err := s.finalize(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name returns the file name carried on the wire.
func (s *Session) Name() string { return s.name }

// Path returns the local file path.
func (s *Session) Path() string { return s.path }

// Direction returns the transfer direction.
func (s *Session) Direction() Direction { return s.dir }

// Total returns the declared size.
func (s *Session) Total() int64 { return s.total }

// Transferred returns the bytes moved so far.
func (s *Session) Transferred() int64 { return s.transferred }

// Remaining returns the bytes still to move.
func (s *Session) Remaining() int64 { return s.total - s.transferred }

// Done reports whether the session has finalized.
func (s *Session) Done() bool { return s.finalized }

// ReceiveFrom performs one read of at most ChunkSize bytes from r and writes
// them at the current offset. A reader that would block should return an
// error the caller recognizes; progress made so far is kept and the next
// call resumes from Transferred.
func (s *Session) ReceiveFrom(r io.Reader) (int, error) {
	if s.dir != Inbound {
		return 0, fmt.Errorf("ReceiveFrom on %s session", s.dir)
	}
	if s.finalized {
		return 0, ErrFinished
	}

	want := s.nextChunk()
	if s.buf == nil {
		s.buf = make([]byte, want)
	}

	n, err := r.Read(s.buf[:want])
	if n > 0 {
		if _, werr := s.file.WriteAt(s.buf[:n], s.transferred); werr != nil {
			return 0, fmt.Errorf("failed to write %s: %w", s.path, werr)
		}
		s.transferred += int64(n)
	}

	if s.transferred >= s.total {
		if ferr := s.finalize(); ferr != nil {
			return n, ferr
		}
		return n, nil
	}

	if errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, s.transferred, s.total)
	}
	return n, err
}

// SendTo performs one send of at most ChunkSize bytes through w.
func (s *Session) SendTo(w FileSender) (int, error) {
	if s.dir != Outbound {
		return 0, fmt.Errorf("SendTo on %s session", s.dir)
	}
	if s.finalized {
		return 0, ErrFinished
	}

	n, err := w.SendFile(s.file, s.transferred, int(s.nextChunk()))
	if n > 0 {
		s.transferred += int64(n)
	}

	if s.transferred >= s.total {
		if ferr := s.finalize(); ferr != nil {
			return n, ferr
		}
		return n, nil
	}
	return n, err
}

// Abort closes the file without completing. A partial inbound file is removed.
func (s *Session) Abort() error {
	if s.finalized {
		return nil
	}
	s.finalized = true

	err := s.file.Close()
	if s.dir == Inbound {
		if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}

func (s *Session) nextChunk() int64 {
	remaining := s.Remaining()
	if remaining > ChunkSize {
		return ChunkSize
	}
	return remaining
}

func (s *Session) finalize() error {
	if s.finalized {
		return nil
	}
	s.finalized = true
	s.buf = nil

	var err error
	if s.dir == Inbound {
		if serr := s.file.Sync(); serr != nil {
			err = fmt.Errorf("failed to flush %s: %w", s.path, serr)
		}
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close %s: %w", s.path, cerr)
	}

	if s.onComplete != nil && err == nil {
		s.onComplete(s)
	}
	return err
}

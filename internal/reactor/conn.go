package reactor

import (
	"bytes"
	"errors"
	"net"
	"os"

	"github.com/postalsys/nio-chat/internal/filetransfer"
	"github.com/postalsys/nio-chat/internal/protocol"
)

var (
	// ErrWouldBlock reports that a non-blocking operation made no (further)
	// progress and must be resumed on a later readiness signal.
	ErrWouldBlock = errors.New("operation would block")

	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("connection closed")
)

// Role tags what a connection carries, so dispatch is a single branch.
type Role int

const (
	// RoleListener is the accepting socket.
	RoleListener Role = iota
	// RoleControl carries handshake, chat and command frames.
	RoleControl
	// RoleTransfer carries exactly one file's bytes after its header frame.
	RoleTransfer
)

// String returns the log label of the role.
func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleControl:
		return "control"
	case RoleTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

type interest uint8

const (
	interestRead interest = 1 << iota
	interestWrite
)

type readiness struct {
	readable bool
	writable bool
	hangup   bool
}

// Conn is a connection handle owned by a Loop. All methods must be called
// from the loop goroutine.
type Conn struct {
	loop       *Loop
	fd         int
	id         uint64
	role       Role
	inbound    bool
	remote     *net.TCPAddr
	connecting bool
	closed     bool
	drain      bool
	readEOF    bool
	interest   interest

	frames  *protocol.FrameReader
	out     []byte
	session *filetransfer.Session
}

// ID returns a loop-unique connection number.
func (c *Conn) ID() uint64 { return c.id }

// Role returns the current role.
func (c *Conn) Role() Role { return c.role }

// Inbound reports whether the connection was accepted rather than dialed.
func (c *Conn) Inbound() bool { return c.inbound }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool { return c.closed }

// Session returns the bound transfer session, if any.
func (c *Conn) Session() *filetransfer.Session { return c.session }

// Send writes text as one frame. Bytes the socket cannot take now are queued
// and flushed on write-readiness in order.
func (c *Conn) Send(text string) error {
	if c.closed || c.drain {
		return ErrClosed
	}
	frame, err := protocol.Encode(text)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Conn) write(p []byte) error {
	if len(c.out) > 0 || c.connecting {
		c.out = append(c.out, p...)
		return nil
	}

	n, err := writeFD(c.fd, p)
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		c.loop.closeLater(c, err)
		return err
	}
	if n < len(p) {
		c.out = append(c.out, p[n:]...)
		c.loop.setInterest(c, c.interest|interestWrite)
	}
	return nil
}

// flush writes queued bytes. It returns nil when the queue is empty or the
// socket stopped accepting bytes.
func (c *Conn) flush() error {
	if len(c.out) == 0 {
		return nil
	}
	n, err := writeFD(c.fd, c.out)
	c.out = c.out[:copy(c.out, c.out[n:])]
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		return err
	}
	return nil
}

// Read implements io.Reader over the non-blocking socket. It returns
// ErrWouldBlock when no bytes are available.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	return readFD(c.fd, p)
}

// SendFile implements filetransfer.FileSender with sendfile(2).
func (c *Conn) SendFile(f *os.File, offset int64, count int) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	return sendFile(c.fd, f, offset, count)
}

// Bind turns the connection into the transfer connection of s. For an
// inbound session any bytes already buffered behind the header frame are
// consumed first; an outbound session starts once queued frames are flushed.
func (c *Conn) Bind(s *filetransfer.Session) {
	if c.closed {
		s.Abort()
		return
	}
	c.role = RoleTransfer
	c.session = s
	c.loop.transfers.Add(1)

	switch s.Direction() {
	case filetransfer.Inbound:
		if rest := c.frames.Drain(); len(rest) > 0 {
			r := bytes.NewReader(rest)
			for r.Len() > 0 && !s.Done() {
				n, err := s.ReceiveFrom(r)
				c.loop.metrics.BytesTransferred.WithLabelValues(s.Direction().String()).Add(float64(n))
				if err != nil {
					c.loop.failTransfer(c, err)
					return
				}
			}
		}
		if s.Done() {
			c.loop.completeTransfer(c)
		}
	case filetransfer.Outbound:
		next := interestWrite
		if !c.readEOF {
			next |= interestRead
		}
		c.loop.setInterest(c, next)
	}
}

// Close tears the connection down immediately, discarding queued bytes.
func (c *Conn) Close() {
	c.loop.closeConn(c, nil)
}

// CloseAfterFlush stops accepting new frames and closes once queued bytes
// have been written.
func (c *Conn) CloseAfterFlush() {
	if c.closed {
		return
	}
	if len(c.out) == 0 && !c.connecting {
		c.loop.closeConn(c, nil)
		return
	}
	c.drain = true
	c.loop.setInterest(c, c.interest|interestWrite)
}

// Package reactor implements a single-goroutine, readiness-driven event loop
// over non-blocking TCP sockets.
//
// One Loop owns every socket it registers. Handlers run on the loop
// goroutine only; other goroutines hand work to it with Submit.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/nio-chat/internal/filetransfer"
	"github.com/postalsys/nio-chat/internal/logging"
	"github.com/postalsys/nio-chat/internal/metrics"
	"github.com/postalsys/nio-chat/internal/protocol"
	"github.com/postalsys/nio-chat/internal/recovery"
)

// readBufferSize is the scratch buffer for framed reads.
const readBufferSize = 64 * 1024

// Handler receives connection events. Every method runs on the loop goroutine.
type Handler interface {
	// HandleConnect is called when a dialed connection finishes connecting
	// or a new inbound connection is accepted.
	HandleConnect(c *Conn)

	// HandleFrame is called for each complete frame on a connection that has
	// no transfer session bound.
	HandleFrame(c *Conn, frame string)

	// HandleTransfer is called once per bound session, with a nil error on
	// completion or the failure that ended it.
	HandleTransfer(c *Conn, s *filetransfer.Session, err error)

	// HandleClose is called once after the connection is torn down. err is
	// nil for a local close and io.EOF for an orderly remote close.
	HandleClose(c *Conn, err error)
}

// Options configures a Loop.
type Options struct {
	// MaxFrameLength bounds frames. Zero selects protocol.DefaultMaxFrameLength.
	MaxFrameLength int

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// Metrics defaults to metrics on a private registry.
	Metrics *metrics.Metrics
}

// Stats is a snapshot safe to read from any goroutine.
type Stats struct {
	Connections int64
	Transfers   int64
}

// Loop is the event loop.
type Loop struct {
	handler Handler
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	poller  *poller

	conns   map[int]*Conn
	nextID  uint64
	scratch []byte
	closing []closeRequest

	mu    sync.Mutex
	tasks []func()

	running     atomic.Bool
	connections atomic.Int64
	transfers   atomic.Int64
}

type closeRequest struct {
	conn *Conn
	err  error
}

// New creates a loop dispatching to h.
func New(h Handler, opts Options) (*Loop, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	if opts.MaxFrameLength <= 0 {
		opts.MaxFrameLength = protocol.DefaultMaxFrameLength
	}

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	return &Loop{
		handler: h,
		opts:    opts,
		logger:  logging.Component(opts.Logger, "reactor"),
		metrics: opts.Metrics,
		poller:  p,
		conns:   make(map[int]*Conn),
		scratch: make([]byte, readBufferSize),
	}, nil
}

// Listen binds a listening socket and registers it for accept-readiness.
// It returns the bound address, which is useful with port 0. Call it before
// Run or from a submitted task.
func (l *Loop) Listen(address string) (net.Addr, error) {
	fd, bound, err := listenTCP(address)
	if err != nil {
		return nil, err
	}
	c := l.newConn(fd, RoleListener, bound)
	if err := l.register(c, interestRead); err != nil {
		closeFD(fd)
		return nil, err
	}
	l.logger.Info("listening", logging.KeyLocalAddr, bound.String())
	return bound, nil
}

// Dial starts a non-blocking connection. HandleConnect runs once it is
// established; a failed attempt is reported through HandleClose.
func (l *Loop) Dial(address string, role Role) (*Conn, error) {
	fd, remote, connected, err := dialTCP(address)
	if err != nil {
		return nil, err
	}

	c := l.newConn(fd, role, remote)
	c.connecting = true
	if err := l.register(c, interestRead|interestWrite); err != nil {
		closeFD(fd)
		return nil, err
	}
	l.metrics.ConnectionsTotal.WithLabelValues(role.String(), "outbound").Inc()

	l.logger.Debug("dialing",
		logging.KeyConnID, c.id,
		logging.KeyRole, role.String(),
		logging.KeyRemoteAddr, address,
		"immediate", connected)
	return c, nil
}

// Submit queues fn to run on the loop goroutine and wakes the loop. It is
// safe to call from any goroutine.
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	if err := l.poller.wake(); err != nil {
		l.logger.Warn("wake failed", logging.KeyError, err)
	}
}

// IsRunning reports whether Run is active.
func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

// Stats returns current counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Connections: l.connections.Load(),
		Transfers:   l.transfers.Load(),
	}
}

// Run dispatches readiness events until ctx is cancelled, then closes every
// connection. Per-connection failures are logged and never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("reactor: loop already running")
	}
	defer l.running.Store(false)

	stop := context.AfterFunc(ctx, func() { l.poller.wake() })
	defer stop()

	for {
		l.runTasks()
		l.reapClosed()

		if ctx.Err() != nil {
			l.shutdown()
			return nil
		}

		if err := l.poller.wait(l.dispatch); err != nil {
			l.shutdown()
			return fmt.Errorf("reactor: %w", err)
		}
	}
}

func (l *Loop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		recovery.Guard(l.logger, "task", fn)
	}
}

func (l *Loop) dispatch(fd int, r readiness) {
	c, ok := l.conns[fd]
	if !ok || c.closed {
		return
	}

	recovery.Guard(l.logger, "dispatch", func() {
		switch {
		case c.role == RoleListener:
			l.acceptAll(c)
		case c.connecting:
			l.finishConnect(c)
		default:
			if r.readable || r.hangup {
				l.handleReadable(c)
			}
			if !c.closed && r.writable {
				l.handleWritable(c)
			}
		}
	})
	l.reapClosed()
}

func (l *Loop) acceptAll(ln *Conn) {
	for {
		fd, remote, err := acceptTCP(ln.fd)
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		if err != nil {
			l.logger.Warn("accept failed", logging.KeyError, err)
			return
		}

		c := l.newConn(fd, RoleControl, remote)
		c.inbound = true
		if err := l.register(c, interestRead); err != nil {
			l.logger.Warn("register failed", logging.KeyError, err)
			closeFD(fd)
			continue
		}
		l.metrics.ConnectionsTotal.WithLabelValues(RoleControl.String(), "inbound").Inc()
		l.logger.Debug("accepted",
			logging.KeyConnID, c.id,
			logging.KeyRemoteAddr, remote.String())
		l.handler.HandleConnect(c)
	}
}

func (l *Loop) finishConnect(c *Conn) {
	if err := connectResult(c.fd); err != nil {
		l.closeConn(c, err)
		return
	}
	c.connecting = false

	next := interestRead
	if len(c.out) > 0 {
		next |= interestWrite
	}
	l.setInterest(c, next)

	l.logger.Debug("connected",
		logging.KeyConnID, c.id,
		logging.KeyRole, c.role.String(),
		logging.KeyRemoteAddr, c.remote.String())
	l.handler.HandleConnect(c)
}

func (l *Loop) handleReadable(c *Conn) {
	if s := c.session; s != nil {
		if s.Direction() == filetransfer.Inbound {
			l.stepReceive(c, s)
			return
		}
		// A sending connection ignores input. A half-close by the receiver
		// stops reads but the file is still sent in full.
		_, err := c.Read(l.scratch)
		switch {
		case err == nil, errors.Is(err, ErrWouldBlock):
		case errors.Is(err, io.EOF):
			l.stopReading(c)
		default:
			l.failTransfer(c, err)
		}
		return
	}

	n, err := c.Read(l.scratch)
	if n > 0 {
		c.frames.Feed(l.scratch[:n])
		l.drainFrames(c)
	}
	switch {
	case err == nil, errors.Is(err, ErrWouldBlock), c.closed:
	case errors.Is(err, io.EOF) && (c.drain || sending(c)):
		// Queued replies or a just-bound file send still go out.
		l.stopReading(c)
	default:
		l.closeConn(c, err)
	}
}

func sending(c *Conn) bool {
	return c.session != nil && c.session.Direction() == filetransfer.Outbound
}

// stopReading drops read interest after the peer shut down its write side.
func (l *Loop) stopReading(c *Conn) {
	c.readEOF = true
	l.setInterest(c, c.interest&^interestRead)
}

func (l *Loop) drainFrames(c *Conn) {
	for !c.closed && c.session == nil {
		frame, ok := c.frames.Next()
		if !ok {
			return
		}
		l.metrics.FramesReceived.WithLabelValues(c.role.String()).Inc()
		l.handler.HandleFrame(c, frame)
	}
}

func (l *Loop) stepReceive(c *Conn, s *filetransfer.Session) {
	n, err := s.ReceiveFrom(c)
	if n > 0 {
		l.metrics.BytesTransferred.WithLabelValues(s.Direction().String()).Add(float64(n))
	}
	switch {
	case s.Done():
		l.completeTransfer(c)
	case err != nil && !errors.Is(err, ErrWouldBlock):
		l.failTransfer(c, err)
	}
}

func (l *Loop) handleWritable(c *Conn) {
	if err := c.flush(); err != nil {
		l.closeConn(c, err)
		return
	}
	if len(c.out) > 0 {
		return
	}

	if s := c.session; s != nil && s.Direction() == filetransfer.Outbound {
		if !s.Done() {
			n, err := s.SendTo(c)
			if n > 0 {
				l.metrics.BytesTransferred.WithLabelValues(s.Direction().String()).Add(float64(n))
			}
			if err != nil && !errors.Is(err, ErrWouldBlock) {
				l.failTransfer(c, err)
				return
			}
		}
		if s.Done() {
			l.completeTransfer(c)
		}
		return
	}

	if c.drain {
		l.closeConn(c, nil)
		return
	}
	l.setInterest(c, interestRead)
}

func (l *Loop) completeTransfer(c *Conn) {
	s := c.session
	c.session = nil
	l.transfers.Add(-1)
	l.metrics.TransfersTotal.WithLabelValues(s.Direction().String(), "complete").Inc()

	l.logger.Debug("transfer complete",
		logging.KeyConnID, c.id,
		logging.KeyFile, s.Name(),
		logging.KeyBytes, s.Transferred())
	recovery.Guard(l.logger, "transfer", func() { l.handler.HandleTransfer(c, s, nil) })
	l.closeConn(c, nil)
}

func (l *Loop) failTransfer(c *Conn, err error) {
	s := c.session
	if s == nil {
		l.closeConn(c, err)
		return
	}
	c.session = nil
	l.transfers.Add(-1)
	l.metrics.TransfersTotal.WithLabelValues(s.Direction().String(), "failed").Inc()

	if aerr := s.Abort(); aerr != nil {
		l.logger.Warn("abort transfer", logging.KeyFile, s.Name(), logging.KeyError, aerr)
	}
	recovery.Guard(l.logger, "transfer", func() { l.handler.HandleTransfer(c, s, err) })
	l.closeConn(c, err)
}

// closeLater schedules a close for after the current handler returns, so
// handlers iterating over connections never see one vanish mid-loop.
func (l *Loop) closeLater(c *Conn, err error) {
	l.closing = append(l.closing, closeRequest{conn: c, err: err})
}

func (l *Loop) reapClosed() {
	for len(l.closing) > 0 {
		req := l.closing[0]
		l.closing = l.closing[1:]
		l.closeConn(req.conn, req.err)
	}
}

func (l *Loop) closeConn(c *Conn, err error) {
	if c.closed {
		return
	}
	if c.session != nil {
		reason := err
		if reason == nil {
			reason = ErrClosed
		}
		l.failTransfer(c, reason)
		return
	}
	c.closed = true

	if rerr := l.poller.remove(c.fd); rerr != nil {
		l.logger.Debug("deregister failed", logging.KeyConnID, c.id, logging.KeyError, rerr)
	}
	closeFD(c.fd)
	delete(l.conns, c.fd)
	c.out = nil
	if c.role != RoleListener {
		l.connections.Add(-1)
		l.metrics.ConnectionsActive.Dec()
	}

	if err != nil && !errors.Is(err, io.EOF) {
		l.logger.Debug("connection failed",
			logging.KeyConnID, c.id,
			logging.KeyRole, c.role.String(),
			logging.KeyError, err)
	}
	if c.role != RoleListener {
		recovery.Guard(l.logger, "close", func() { l.handler.HandleClose(c, err) })
	}
}

func (l *Loop) shutdown() {
	for _, c := range l.conns {
		l.closeConn(c, nil)
	}
	l.reapClosed()
	l.poller.close()
}

func (l *Loop) newConn(fd int, role Role, remote *net.TCPAddr) *Conn {
	l.nextID++
	return &Conn{
		loop:   l,
		fd:     fd,
		id:     l.nextID,
		role:   role,
		remote: remote,
		frames: protocol.NewFrameReader(l.opts.MaxFrameLength),
	}
}

func (l *Loop) register(c *Conn, in interest) error {
	if err := l.poller.add(c.fd, in); err != nil {
		return err
	}
	c.interest = in
	l.conns[c.fd] = c
	if c.role != RoleListener {
		l.connections.Add(1)
		l.metrics.ConnectionsActive.Inc()
	}
	return nil
}

func (l *Loop) setInterest(c *Conn, in interest) {
	if c.closed || c.interest == in {
		return
	}
	if err := l.poller.modify(c.fd, in); err != nil {
		l.logger.Warn("interest update failed", logging.KeyConnID, c.id, logging.KeyError, err)
		return
	}
	c.interest = in
}

// Package client implements the chat client core: one control connection for
// login and chat plus a short-lived transfer connection per file. Every
// operation is queued onto the client's event loop; notifications are
// delivered from that loop's goroutine.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/nio-chat/internal/config"
	"github.com/postalsys/nio-chat/internal/filetransfer"
	"github.com/postalsys/nio-chat/internal/identity"
	"github.com/postalsys/nio-chat/internal/logging"
	"github.com/postalsys/nio-chat/internal/metrics"
	"github.com/postalsys/nio-chat/internal/protocol"
	"github.com/postalsys/nio-chat/internal/reactor"
)

// closeGrace bounds how long shutdown waits for the DISCONNECT to flush.
const closeGrace = 2 * time.Second

// Notifier renders client events. Methods run on the event loop goroutine
// and must not block.
type Notifier interface {
	// OnChatLine receives every line the server sends on the control
	// connection other than a login rejection.
	OnChatLine(text string)

	// OnLoginRejected reports a wrong secret, an empty secret for a new
	// name, or a name that is already logged in.
	OnLoginRejected()

	// OnFileMissing reports that a requested download does not exist.
	OnFileMissing(name string)

	// OnTransfer reports the end of an upload or download. err is nil on
	// success.
	OnTransfer(name string, dir filetransfer.Direction, size int64, err error)

	// OnDisconnected reports that the control connection is gone.
	OnDisconnected(err error)
}

// transfer is the state of one transfer connection. It is recorded when
// the connection is dialed and its request goes out on connect.
type transfer struct {
	dir  filetransfer.Direction
	name string
	// session is opened up front for uploads and on announcement for
	// downloads.
	session *filetransfer.Session
}

// Client is a chat client bound to one server address.
type Client struct {
	cfg      config.ClientConfig
	notifier Notifier
	logger   *slog.Logger
	loop     *reactor.Loop

	// Loop-owned state.
	control   *reactor.Conn
	connected bool
	login     *identity.Identity
	transfers map[*reactor.Conn]*transfer

	connectErr error

	loggedIn atomic.Bool
	stop     context.CancelFunc
}

// New creates a client and starts dialing its control connection. Nothing is
// exchanged until Run is called.
func New(cfg config.ClientConfig, notifier Notifier, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	c := &Client{
		cfg:       cfg,
		notifier:  notifier,
		logger:    logging.Component(logger, "client"),
		transfers: make(map[*reactor.Conn]*transfer),
	}

	loop, err := reactor.New(c, reactor.Options{
		MaxFrameLength: cfg.MaxFrameLength,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event loop: %w", err)
	}
	c.loop = loop

	control, err := loop.Dial(cfg.ServerAddress, reactor.RoleControl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.ServerAddress, err)
	}
	c.control = control

	return c, nil
}

// Run drives the client until the control connection closes or ctx is
// cancelled. Cancellation sends a best-effort DISCONNECT first.
func (c *Client) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.stop = cancel

	stopWatch := context.AfterFunc(ctx, func() {
		c.Close()
		time.AfterFunc(closeGrace, cancel)
	})
	defer stopWatch()

	if err := c.loop.Run(loopCtx); err != nil {
		return err
	}
	if c.connectErr != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.ServerAddress, c.connectErr)
	}
	return nil
}

// LoggedIn reports whether a login was sent on a live control connection and
// not rejected. The server does not confirm success. It is safe to call from
// any goroutine.
func (c *Client) LoggedIn() bool {
	return c.loggedIn.Load()
}

// RequestLogin sends name:secret once the control connection is established.
func (c *Client) RequestLogin(name, secret string) {
	id := identity.Identity{Name: name, Secret: secret}
	c.loop.Submit(func() {
		c.login = &id
		if c.connected {
			c.sendLogin()
		}
	})
}

// SubmitChatText handles one line typed by the user. A /download directive
// opens a transfer connection, /fileList goes to the server as is, and other
// text is relayed as chat unless it is not valid chat.
func (c *Client) SubmitChatText(text string) {
	c.loop.Submit(func() {
		switch {
		case protocol.UserDownload.In(text):
			name, err := protocol.ParseDownloadDirective(text)
			if err != nil {
				c.logger.Debug("ignoring download directive", logging.KeyError, err)
				return
			}
			c.startDownload(name)
		case protocol.UserFileList.In(text):
			c.sendControl(protocol.UserFileList.String())
		case protocol.IsInvalidChat(text):
			c.logger.Debug("chat text not sent", logging.KeyFrame, text)
		default:
			c.sendControl(text)
		}
	})
}

// RequestDownload fetches name from the server into the download directory.
func (c *Client) RequestDownload(name string) {
	c.loop.Submit(func() { c.startDownload(name) })
}

// RequestUpload sends the local file at path to the server's storage.
func (c *Client) RequestUpload(path string) {
	c.loop.Submit(func() { c.startUpload(path) })
}

// Close notifies the server with DISCONNECT and closes the control
// connection once the notice is written. Run returns afterwards.
func (c *Client) Close() {
	c.loop.Submit(func() {
		if c.control == nil || c.control.Closed() {
			c.halt()
			return
		}
		if c.connected {
			if err := c.control.Send(protocol.CmdDisconnect.String()); err != nil {
				c.logger.Debug("disconnect notice failed", logging.KeyError, err)
			}
		}
		c.control.CloseAfterFlush()
	})
}

func (c *Client) halt() {
	if c.stop != nil {
		c.stop()
	}
}

func (c *Client) sendLogin() {
	if err := c.control.Send(c.login.String()); err != nil {
		c.logger.Warn("login send failed", logging.KeyError, err)
		return
	}
	c.loggedIn.Store(true)
	c.logger.Debug("login sent", logging.KeyUser, c.login.Name)
}

func (c *Client) sendControl(text string) {
	if !c.connected {
		c.logger.Debug("not connected, dropping", logging.KeyFrame, text)
		return
	}
	if err := c.control.Send(text); err != nil {
		c.logger.Warn("send failed", logging.KeyError, err)
	}
}

func (c *Client) startDownload(name string) {
	safe, err := filetransfer.SanitizeName(name)
	if err != nil {
		c.notifier.OnTransfer(name, filetransfer.Inbound, 0, err)
		return
	}

	conn, err := c.loop.Dial(c.cfg.ServerAddress, reactor.RoleTransfer)
	if err != nil {
		c.notifier.OnTransfer(safe, filetransfer.Inbound, 0, err)
		return
	}
	c.transfers[conn] = &transfer{dir: filetransfer.Inbound, name: safe}
	c.logger.Info("download requested", logging.KeyFile, safe)
}

func (c *Client) startUpload(path string) {
	name, err := filetransfer.SanitizeName(filepath.Base(path))
	if err == nil && protocol.IsSystemCommand(name) {
		err = fmt.Errorf("%w: %q", filetransfer.ErrUnsafeName, name)
	}
	if err != nil {
		c.notifier.OnTransfer(path, filetransfer.Outbound, 0, err)
		return
	}

	session, err := filetransfer.NewOutbound(path, name)
	if err != nil {
		c.notifier.OnTransfer(name, filetransfer.Outbound, 0, err)
		return
	}

	conn, err := c.loop.Dial(c.cfg.ServerAddress, reactor.RoleTransfer)
	if err != nil {
		session.Abort()
		c.notifier.OnTransfer(name, filetransfer.Outbound, 0, err)
		return
	}
	c.transfers[conn] = &transfer{dir: filetransfer.Outbound, name: name, session: session}
	c.logger.Info("upload started",
		logging.KeyFile, name,
		logging.KeySize, filetransfer.FormatSize(session.Total()))
}

// HandleConnect implements reactor.Handler.
func (c *Client) HandleConnect(conn *reactor.Conn) {
	if conn == c.control {
		c.connected = true
		c.logger.Info("connected", logging.KeyRemoteAddr, conn.RemoteAddr().String())
		if c.login != nil {
			c.sendLogin()
		}
		return
	}

	t, ok := c.transfers[conn]
	if !ok {
		conn.Close()
		return
	}

	switch t.dir {
	case filetransfer.Inbound:
		if err := conn.Send(protocol.DownloadRequest(t.name)); err != nil {
			return
		}
	case filetransfer.Outbound:
		ann := protocol.UploadAnnouncement{Name: t.name, Size: t.session.Total()}
		if err := conn.Send(ann.String()); err != nil {
			return
		}
		session := t.session
		t.session = nil
		conn.Bind(session)
	}
}

// HandleFrame implements reactor.Handler.
func (c *Client) HandleFrame(conn *reactor.Conn, frame string) {
	if conn == c.control {
		if protocol.CmdInvalidUser.In(frame) {
			c.loggedIn.Store(false)
			c.notifier.OnLoginRejected()
			return
		}
		c.notifier.OnChatLine(frame)
		return
	}

	t, ok := c.transfers[conn]
	if !ok {
		return
	}

	cmd, _ := protocol.MatchSystemCommand(frame)
	switch cmd {
	case protocol.CmdFileNotFound:
		delete(c.transfers, conn)
		c.logger.Info("download not found", logging.KeyFile, t.name)
		c.notifier.OnFileMissing(t.name)
		conn.Close()
	case protocol.CmdFileUpload:
		c.receive(conn, t, frame)
	default:
		c.logger.Debug("unexpected transfer frame", logging.KeyFrame, frame)
	}
}

func (c *Client) receive(conn *reactor.Conn, t *transfer, frame string) {
	ann, err := protocol.ParseUploadAnnouncement(frame)
	if err == nil {
		ann.Name, err = filetransfer.SanitizeName(ann.Name)
	}
	var session *filetransfer.Session
	if err == nil {
		if err = os.MkdirAll(c.cfg.DownloadDir, 0755); err == nil {
			session, err = filetransfer.NewInbound(filepath.Join(c.cfg.DownloadDir, ann.Name), ann.Name, ann.Size)
		}
	}
	if err != nil {
		delete(c.transfers, conn)
		c.notifier.OnTransfer(t.name, filetransfer.Inbound, 0, err)
		conn.Close()
		return
	}

	c.logger.Info("receiving download",
		logging.KeyFile, ann.Name,
		logging.KeySize, filetransfer.FormatSize(ann.Size))
	conn.Bind(session)
}

// HandleTransfer implements reactor.Handler.
func (c *Client) HandleTransfer(conn *reactor.Conn, s *filetransfer.Session, err error) {
	delete(c.transfers, conn)
	if err != nil {
		c.logger.Warn("transfer failed",
			logging.KeyFile, s.Name(),
			"progress", filetransfer.Progress(s),
			logging.KeyError, err)
	} else {
		c.logger.Info("transfer complete",
			logging.KeyFile, s.Name(),
			logging.KeySize, filetransfer.FormatSize(s.Total()))
	}
	c.notifier.OnTransfer(s.Name(), s.Direction(), s.Transferred(), err)
}

// HandleClose implements reactor.Handler.
func (c *Client) HandleClose(conn *reactor.Conn, err error) {
	if conn == c.control {
		if !c.connected && err != nil {
			c.connectErr = err
		}
		c.connected = false
		c.loggedIn.Store(false)
		c.notifier.OnDisconnected(err)
		c.halt()
		return
	}

	t, ok := c.transfers[conn]
	if !ok {
		return
	}
	delete(c.transfers, conn)
	if t.session != nil {
		t.session.Abort()
	}
	if err == nil {
		err = reactor.ErrClosed
	}
	c.notifier.OnTransfer(t.name, t.dir, 0, err)
}

// Package server implements the chat server: login handshake, message relay,
// file listing and file transfers, all driven from one reactor goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/nio-chat/internal/chat"
	"github.com/postalsys/nio-chat/internal/config"
	"github.com/postalsys/nio-chat/internal/control"
	"github.com/postalsys/nio-chat/internal/filetransfer"
	"github.com/postalsys/nio-chat/internal/health"
	"github.com/postalsys/nio-chat/internal/identity"
	"github.com/postalsys/nio-chat/internal/logging"
	"github.com/postalsys/nio-chat/internal/metrics"
	"github.com/postalsys/nio-chat/internal/protocol"
	"github.com/postalsys/nio-chat/internal/reactor"
)

// Login results used as metric labels.
const (
	resultAccepted      = "accepted"
	resultEmptyName     = "empty_name"
	resultEmptySecret   = "empty_secret"
	resultWrongSecret   = "wrong_secret"
	resultAlreadyActive = "already_active"
	resultError         = "error"
)

// Server is a chat server bound to one listening address.
type Server struct {
	cfg       config.ServerConfig
	maxUpload int64
	logger    *slog.Logger
	metrics   *metrics.Metrics

	loop     *reactor.Loop
	store    *identity.Store
	registry *chat.Registry
	router   *chat.Router
	addr     net.Addr

	// Published for readers outside the loop goroutine.
	sessions   atomic.Int64
	registered atomic.Int64
}

// New opens the credential store, prepares the storage directory and binds
// the listening socket. m may be nil, in which case metrics go to a private
// registry.
func New(cfg config.ServerConfig, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	maxUpload, err := filetransfer.ParseSize(cfg.MaxUploadSize)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	store, err := identity.OpenStore(cfg.UsersFile, logging.Component(logger, "store"))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		maxUpload: maxUpload,
		logger:    logging.Component(logger, "server"),
		metrics:   m,
		store:     store,
		registry:  chat.NewRegistry(),
	}
	s.router = chat.NewRouter(s.registry, logger)
	s.registered.Store(int64(store.Len()))

	loop, err := reactor.New(s, reactor.Options{
		MaxFrameLength: cfg.MaxFrameLength,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create event loop: %w", err)
	}
	s.loop = loop

	addr, err := loop.Listen(cfg.Address)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}
	s.addr = addr

	return s, nil
}

// Run serves until ctx is cancelled, then closes every connection and the
// credential store.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("chat server started",
		logging.KeyLocalAddr, s.addr.String(),
		"storage_dir", s.cfg.StorageDir,
		"users", s.store.Len())

	err := s.loop.Run(ctx)
	if cerr := s.store.Close(); cerr != nil {
		s.logger.Warn("closing users file", logging.KeyError, cerr)
	}
	s.logger.Info("chat server stopped")
	return err
}

// Addr returns the bound listening address.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// IsRunning reports whether the event loop is dispatching.
func (s *Server) IsRunning() bool {
	return s.loop.IsRunning()
}

// Stats implements health.StatsProvider.
func (s *Server) Stats() health.Stats {
	ls := s.loop.Stats()
	return health.Stats{
		Sessions:        s.sessions.Load(),
		Connections:     ls.Connections,
		Transfers:       ls.Transfers,
		RegisteredUsers: s.registered.Load(),
	}
}

// ActiveUsers returns the logged-in names, read on the loop goroutine. It
// fails with ctx's error if the loop does not get to it in time.
func (s *Server) ActiveUsers(ctx context.Context) ([]string, error) {
	result := make(chan []string, 1)
	s.loop.Submit(func() { result <- s.registry.Names() })

	select {
	case names := <-result:
		return names, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Files lists the storage directory with sizes.
func (s *Server) Files() ([]control.FileInfo, error) {
	names, err := filetransfer.ListFiles(s.cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	files := make([]control.FileInfo, 0, len(names))
	for _, name := range names {
		info, err := os.Stat(filepath.Join(s.cfg.StorageDir, name))
		if err != nil {
			continue
		}
		files = append(files, control.FileInfo{
			Name:  name,
			Size:  info.Size(),
			Human: filetransfer.FormatSize(info.Size()),
		})
	}
	return files, nil
}

// HandleConnect implements reactor.Handler.
func (s *Server) HandleConnect(c *reactor.Conn) {
	s.logger.Debug("client connected",
		logging.KeyConnID, c.ID(),
		logging.KeyRemoteAddr, c.RemoteAddr().String())
}

// HandleFrame classifies one frame: handshake first, then system commands,
// user commands and finally chat.
func (s *Server) HandleFrame(c *reactor.Conn, frame string) {
	sender, loggedIn := s.registry.Lookup(c)

	// A file name may carry a ':' so command frames never count as logins.
	if !loggedIn && !protocol.IsSystemCommand(frame) {
		if id, ok := identity.ParseCredentials(frame); ok {
			s.handleLogin(c, id)
			return
		}
	}

	if cmd, ok := protocol.MatchSystemCommand(frame); ok {
		s.handleSystemCommand(c, cmd, frame)
		return
	}

	if cmd, ok := protocol.MatchUserCommand(frame); ok {
		s.handleUserCommand(c, cmd)
		return
	}

	if !loggedIn || protocol.IsInvalidChat(frame) {
		s.metrics.MessagesDropped.Inc()
		s.logger.Debug("frame dropped",
			logging.KeyConnID, c.ID(),
			"logged_in", loggedIn)
		return
	}

	n := s.router.Forward(frame, sender)
	s.metrics.RecordForward(n)
	s.logger.Debug("message forwarded",
		logging.KeyUser, sender.Name,
		logging.KeyCount, n)
}

func (s *Server) handleLogin(c *reactor.Conn, id identity.Identity) {
	known := s.store.IsRegistered(id.Name)

	err := s.store.Validate(id, s.registry.IsActive)
	if err == nil && !s.registry.Add(id, c) {
		err = identity.ErrAlreadyActive
	}
	if err != nil {
		result := loginResult(err)
		s.metrics.RecordLogin(result)
		s.logger.Info("login rejected",
			logging.KeyConnID, c.ID(),
			logging.KeyUser, id.Name,
			"reason", result)
		if serr := c.Send(protocol.CmdInvalidUser.String()); serr != nil {
			s.logger.Debug("reject notice failed", logging.KeyConnID, c.ID(), logging.KeyError, serr)
		}
		return
	}

	if !known {
		s.metrics.Registrations.Inc()
		s.registered.Store(int64(s.store.Len()))
		s.logger.Info("user registered", logging.KeyUser, id.Name)
	}
	s.metrics.RecordLogin(resultAccepted)
	s.sessions.Store(int64(s.registry.Len()))
	s.logger.Info("user logged in",
		logging.KeyConnID, c.ID(),
		logging.KeyUser, id.Name,
		logging.KeyRemoteAddr, c.RemoteAddr().String())
}

func loginResult(err error) string {
	switch {
	case errors.Is(err, identity.ErrEmptyName):
		return resultEmptyName
	case errors.Is(err, identity.ErrEmptySecret):
		return resultEmptySecret
	case errors.Is(err, identity.ErrWrongSecret):
		return resultWrongSecret
	case errors.Is(err, identity.ErrAlreadyActive):
		return resultAlreadyActive
	default:
		return resultError
	}
}

func (s *Server) handleSystemCommand(c *reactor.Conn, cmd protocol.SystemCommand, frame string) {
	switch cmd {
	case protocol.CmdDisconnect:
		s.endSession(c, "disconnect")
	case protocol.CmdFileUpload:
		s.handleUpload(c, frame)
	case protocol.CmdFileDownload:
		s.handleDownload(c, frame)
	default:
		s.metrics.MessagesDropped.Inc()
		s.logger.Debug("unexpected system command",
			logging.KeyConnID, c.ID(),
			"command", cmd.String())
		// Only a logged-in control connection has anything left to say.
		if _, ok := s.registry.Lookup(c); !ok {
			c.Close()
		}
	}
}

func (s *Server) handleUserCommand(c *reactor.Conn, cmd protocol.UserCommand) {
	switch cmd {
	case protocol.UserFileList:
		names, err := filetransfer.ListFiles(s.cfg.StorageDir)
		if err != nil {
			s.logger.Warn("listing storage failed", logging.KeyError, err)
			return
		}
		for _, name := range names {
			if err := c.Send(name); err != nil {
				return
			}
		}
	default:
		// /download is resolved client side into a transfer connection.
		s.metrics.MessagesDropped.Inc()
	}
}

// storageName validates a file name taken from the wire. Names carrying a
// system command token are refused so announcements of them stay unambiguous.
func storageName(name string) (string, error) {
	safe, err := filetransfer.SanitizeName(name)
	if err != nil {
		return "", err
	}
	if protocol.IsSystemCommand(safe) {
		return "", fmt.Errorf("%w: %q", filetransfer.ErrUnsafeName, safe)
	}
	return safe, nil
}

// handleUpload turns c into the receiving end of an announced file.
func (s *Server) handleUpload(c *reactor.Conn, frame string) {
	ann, err := protocol.ParseUploadAnnouncement(frame)
	if err == nil {
		ann.Name, err = storageName(ann.Name)
	}
	if err == nil && s.maxUpload > 0 && ann.Size > s.maxUpload {
		err = fmt.Errorf("upload of %s exceeds limit of %s",
			filetransfer.FormatSize(ann.Size), filetransfer.FormatSize(s.maxUpload))
	}
	if err != nil {
		s.logger.Warn("upload refused", logging.KeyConnID, c.ID(), logging.KeyError, err)
		c.Close()
		return
	}

	path := filepath.Join(s.cfg.StorageDir, ann.Name)
	session, err := filetransfer.NewInbound(path, ann.Name, ann.Size, filetransfer.WithCompletion(s.fileStored))
	if err != nil {
		s.logger.Warn("upload failed", logging.KeyFile, ann.Name, logging.KeyError, err)
		c.Close()
		return
	}

	s.logger.Info("receiving upload",
		logging.KeyConnID, c.ID(),
		logging.KeyFile, ann.Name,
		logging.KeySize, filetransfer.FormatSize(ann.Size))
	c.Bind(session)
}

// handleDownload answers with an upload announcement followed by the file,
// or with FILE_NOT_FOUND and a close.
func (s *Server) handleDownload(c *reactor.Conn, frame string) {
	name, err := protocol.ParseDownloadRequest(frame)
	if err == nil {
		name, err = storageName(name)
	}

	var session *filetransfer.Session
	if err == nil {
		session, err = filetransfer.NewOutbound(filepath.Join(s.cfg.StorageDir, name), name)
	}
	if err != nil {
		s.logger.Info("download not found",
			logging.KeyConnID, c.ID(),
			logging.KeyFile, name,
			logging.KeyError, err)
		if serr := c.Send(protocol.CmdFileNotFound.String()); serr != nil {
			c.Close()
			return
		}
		c.CloseAfterFlush()
		return
	}

	ann := protocol.UploadAnnouncement{Name: name, Size: session.Total()}
	if err := c.Send(ann.String()); err != nil {
		session.Abort()
		return
	}

	s.logger.Info("serving download",
		logging.KeyConnID, c.ID(),
		logging.KeyFile, name,
		logging.KeySize, filetransfer.FormatSize(session.Total()))
	c.Bind(session)
}

// HandleTransfer implements reactor.Handler.
func (s *Server) HandleTransfer(c *reactor.Conn, session *filetransfer.Session, err error) {
	if err != nil {
		s.logger.Warn("transfer failed",
			logging.KeyConnID, c.ID(),
			logging.KeyFile, session.Name(),
			"direction", session.Direction().String(),
			"progress", filetransfer.Progress(session),
			logging.KeyError, err)
		return
	}

	s.metrics.TransferSize.Observe(float64(session.Total()))
	s.logger.Info("transfer complete",
		logging.KeyConnID, c.ID(),
		logging.KeyFile, session.Name(),
		"direction", session.Direction().String(),
		logging.KeySize, filetransfer.FormatSize(session.Total()))
}

// fileStored runs once an upload is flushed and closed on disk.
func (s *Server) fileStored(session *filetransfer.Session) {
	s.metrics.FilesStored.Inc()
	s.logger.Debug("file stored",
		logging.KeyFile, session.Name(),
		logging.KeyBytes, session.Total())
}

// HandleClose ends the session of a control connection that went away
// without a DISCONNECT.
func (s *Server) HandleClose(c *reactor.Conn, _ error) {
	s.endSession(c, "closed")
}

func (s *Server) endSession(c *reactor.Conn, reason string) {
	id, ok := s.registry.Remove(c)
	if !ok {
		return
	}
	s.metrics.RecordLogout()
	s.sessions.Store(int64(s.registry.Len()))
	s.logger.Info("user logged out",
		logging.KeyConnID, c.ID(),
		logging.KeyUser, id.Name,
		"reason", reason)
}

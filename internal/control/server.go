// Package control provides a Unix socket control interface for a running
// chat server.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/nio-chat/internal/health"
	"github.com/postalsys/nio-chat/internal/logging"
	"github.com/postalsys/nio-chat/internal/recovery"
)

// ServerInfo provides chat server state for the control interface.
type ServerInfo interface {
	// IsRunning returns true if the server is dispatching events.
	IsRunning() bool

	// Stats returns a counter snapshot.
	Stats() health.Stats

	// ActiveUsers returns the logged-in user names.
	ActiveUsers(ctx context.Context) ([]string, error)

	// Files returns the shared files.
	Files() ([]FileInfo, error)
}

// FileInfo describes one shared file.
type FileInfo struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Human string `json:"human_size"`
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Address         string `json:"address"`
	Running         bool   `json:"running"`
	Sessions        int64  `json:"sessions"`
	Connections     int64  `json:"connections"`
	Transfers       int64  `json:"transfers"`
	RegisteredUsers int64  `json:"registered_users"`
}

// UsersResponse is the response for the users endpoint.
type UsersResponse struct {
	Users []string `json:"users"`
}

// FilesResponse is the response for the files endpoint.
type FilesResponse struct {
	Files []FileInfo `json:"files"`
}

// ErrorResponse is the body of every non-200 reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// Address is reported in status responses.
	Address string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./nio-chat.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	info     ServerInfo
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, info ServerInfo) *Server {
	s := &Server{
		cfg:    cfg,
		info:   info,
		logger: logging.Component(cfg.Logger, "control"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/users", s.handleUsers)
	mux.HandleFunc("/files", s.handleFiles)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by a previous run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	recovery.Go(s.logger, "control-server", func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("control server stopped", logging.KeyError, err)
		}
	}, nil)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats := s.info.Stats()
	writeJSON(w, StatusResponse{
		Address:         s.cfg.Address,
		Running:         s.info.IsRunning(),
		Sessions:        stats.Sessions,
		Connections:     stats.Connections,
		Transfers:       stats.Transfers,
		RegisteredUsers: stats.RegisteredUsers,
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	users, err := s.info.ActiveUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, UsersResponse{Users: users})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	files, err := s.info.Files()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []FileInfo{}
	}
	writeJSON(w, FilesResponse{Files: files})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

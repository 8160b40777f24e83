package identity

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// separator splits name and secret both on the wire and in the users file.
const separator = ":"

var (
	// ErrEmptyName is returned when a login carries no user name.
	ErrEmptyName = errors.New("user name is empty")

	// ErrEmptySecret is returned when an unknown name tries to register without a secret.
	ErrEmptySecret = errors.New("cannot register without a secret")

	// ErrWrongSecret is returned when the supplied secret differs from the registered one.
	ErrWrongSecret = errors.New("wrong secret")

	// ErrAlreadyActive is returned when the name already has a live session.
	ErrAlreadyActive = errors.New("user already logged in")
)

// Store maps registered names to their secrets and mirrors every new
// registration to an append-only file of name:secret lines. It is owned by a
// single reactor goroutine and performs no locking.
type Store struct {
	path  string
	users map[string]string
	file  *os.File
}

// OpenStore loads every registration from path, creating the file when
// missing, and keeps it open for appends.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create users directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open users file: %w", err)
	}

	s := &Store{
		path:  path,
		users: make(map[string]string),
		file:  f,
	}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		id, ok := ParseCredentials(line)
		if !ok || id.Name == "" || id.Secret == "" {
			if logger != nil {
				logger.Warn("skipping malformed users file line", "path", path, "line", lineNo)
			}
			continue
		}
		// First registration wins; secrets never change.
		if _, exists := s.users[id.Name]; !exists {
			s.users[id.Name] = id.Secret
		}
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	if err := s.terminateLastLine(); err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

// terminateLastLine makes sure appended lines never join a trailing line that
// lacks its newline.
func (s *Store) terminateLastLine() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat users file: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := s.file.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to read users file: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := s.file.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to terminate users file: %w", err)
	}
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of registered names.
func (s *Store) Len() int {
	return len(s.users)
}

// IsRegistered reports whether name has a stored secret.
func (s *Store) IsRegistered(name string) bool {
	_, ok := s.users[name]
	return ok
}

// Validate decides a login attempt. An unknown name with a non-empty secret is
// registered on the spot and accepted. isActive reports whether a name
// already holds a live session and may be nil.
func (s *Store) Validate(id Identity, isActive func(name string) bool) error {
	if id.Name == "" {
		return ErrEmptyName
	}

	stored, ok := s.users[id.Name]
	if !ok {
		if id.Secret == "" {
			return ErrEmptySecret
		}
		return s.register(id)
	}

	if stored != id.Secret {
		return ErrWrongSecret
	}

	if isActive != nil && isActive(id.Name) {
		return ErrAlreadyActive
	}

	return nil
}

func (s *Store) register(id Identity) error {
	if _, err := s.file.WriteString(id.String() + "\n"); err != nil {
		return fmt.Errorf("failed to persist user %s: %w", id.Name, err)
	}
	s.users[id.Name] = id.Secret
	return nil
}

// Close releases the backing file.
func (s *Store) Close() error {
	return s.file.Close()
}

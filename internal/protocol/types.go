// Package protocol defines the newline-delimited wire protocol spoken between
// chat clients and the chat server.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Field separators used inside structured frames.
const (
	// CredentialSeparator splits a handshake frame into name and secret.
	CredentialSeparator = ":"

	// ArgumentSeparator splits a system command from its arguments.
	ArgumentSeparator = "-"
)

// SystemCommand is a server<->client protocol control token.
type SystemCommand string

// System commands. The set is closed.
const (
	CmdInvalidUser  SystemCommand = "SYSTEM_COMMAND_INVALID_USER"
	CmdFileUpload   SystemCommand = "SYSTEM_COMMAND_FILE_UPLOAD"
	CmdFileDownload SystemCommand = "SYSTEM_COMMAND_FILE_DOWNLOAD"
	CmdFileNotFound SystemCommand = "SYSTEM_COMMAND_FILE_NOT_FOUND"
	CmdDisconnect   SystemCommand = "SYSTEM_COMMAND_DISCONNECT"
)

// SystemCommands lists every system command.
var SystemCommands = []SystemCommand{
	CmdInvalidUser,
	CmdFileUpload,
	CmdFileDownload,
	CmdFileNotFound,
	CmdDisconnect,
}

// UserCommand is a directive typed by a person at the control connection.
type UserCommand string

// User commands. The set is closed.
const (
	UserDownload UserCommand = "/download"
	UserFileList UserCommand = "/fileList"
)

// UserCommands lists every user command.
var UserCommands = []UserCommand{
	UserDownload,
	UserFileList,
}

// ErrMalformedPayload is returned when a structured system frame cannot be parsed.
var ErrMalformedPayload = errors.New("malformed system command payload")

// String returns the token text.
func (c SystemCommand) String() string { return string(c) }

// In reports whether frame contains the command token. Containment rather than
// equality lets a token carry arguments in the same frame.
func (c SystemCommand) In(frame string) bool {
	return strings.Contains(frame, string(c))
}

// String returns the token text.
func (c UserCommand) String() string { return string(c) }

// In reports whether frame contains the command token.
func (c UserCommand) In(frame string) bool {
	return strings.Contains(frame, string(c))
}

// IsSystemCommand reports whether frame contains any system command token.
func IsSystemCommand(frame string) bool {
	_, ok := MatchSystemCommand(frame)
	return ok
}

// MatchSystemCommand returns the system command whose token occurs earliest
// in frame, so a command wins over tokens embedded in its arguments.
func MatchSystemCommand(frame string) (SystemCommand, bool) {
	var (
		match SystemCommand
		at    = -1
	)
	for _, c := range SystemCommands {
		if i := strings.Index(frame, string(c)); i >= 0 && (at < 0 || i < at) {
			match, at = c, i
		}
	}
	return match, at >= 0
}

// IsUserCommand reports whether frame contains any user command token.
func IsUserCommand(frame string) bool {
	_, ok := MatchUserCommand(frame)
	return ok
}

// MatchUserCommand returns the first user command contained in frame.
func MatchUserCommand(frame string) (UserCommand, bool) {
	for _, c := range UserCommands {
		if c.In(frame) {
			return c, true
		}
	}
	return "", false
}

// IsInvalidChat reports whether msg must not be relayed as chat: it is empty,
// carries a system command, or contains a structured field separator.
func IsInvalidChat(msg string) bool {
	return msg == "" ||
		IsSystemCommand(msg) ||
		strings.Contains(msg, CredentialSeparator) ||
		strings.Contains(msg, ArgumentSeparator)
}

// UploadAnnouncement is the header that precedes the raw bytes of a file.
type UploadAnnouncement struct {
	Name string
	Size int64
}

// String encodes the announcement as FILE_UPLOAD-<name>-<size>.
func (a UploadAnnouncement) String() string {
	return string(CmdFileUpload) + ArgumentSeparator + a.Name + ArgumentSeparator + strconv.FormatInt(a.Size, 10)
}

// ParseUploadAnnouncement parses a FILE_UPLOAD frame. The size is taken after
// the last separator so names may themselves contain separators.
func ParseUploadAnnouncement(frame string) (UploadAnnouncement, error) {
	rest, ok := argumentsOf(frame, CmdFileUpload)
	if !ok {
		return UploadAnnouncement{}, fmt.Errorf("%w: missing %s", ErrMalformedPayload, CmdFileUpload)
	}

	idx := strings.LastIndex(rest, ArgumentSeparator)
	if idx <= 0 {
		return UploadAnnouncement{}, fmt.Errorf("%w: upload needs name and size", ErrMalformedPayload)
	}

	size, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil || size < 0 {
		return UploadAnnouncement{}, fmt.Errorf("%w: bad size %q", ErrMalformedPayload, rest[idx+1:])
	}

	return UploadAnnouncement{Name: rest[:idx], Size: size}, nil
}

// DownloadRequest encodes a FILE_DOWNLOAD-<name> frame.
func DownloadRequest(name string) string {
	return string(CmdFileDownload) + ArgumentSeparator + name
}

// ParseDownloadRequest returns the file name carried by a FILE_DOWNLOAD frame.
func ParseDownloadRequest(frame string) (string, error) {
	name, ok := argumentsOf(frame, CmdFileDownload)
	if !ok || name == "" {
		return "", fmt.Errorf("%w: download needs a file name", ErrMalformedPayload)
	}
	return name, nil
}

// ParseDownloadDirective returns the file name of a "/download <name>" line.
func ParseDownloadDirective(line string) (string, error) {
	idx := strings.Index(line, string(UserDownload))
	if idx < 0 {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedPayload, UserDownload)
	}
	name := strings.TrimSpace(line[idx+len(UserDownload):])
	if name == "" {
		return "", fmt.Errorf("%w: %s needs a file name", ErrMalformedPayload, UserDownload)
	}
	return name, nil
}

// argumentsOf returns the text following "<cmd>-" in frame.
func argumentsOf(frame string, cmd SystemCommand) (string, bool) {
	prefix := string(cmd) + ArgumentSeparator
	idx := strings.Index(frame, prefix)
	if idx < 0 {
		return "", false
	}
	return frame[idx+len(prefix):], true
}

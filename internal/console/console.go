// Package console renders chat client events on a terminal and turns typed
// lines into client operations.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/nio-chat/internal/filetransfer"
)

// Directives handled locally by the terminal client.
const (
	UploadDirective = "/upload"
	QuitDirective   = "/quit"
)

// systemPrefix marks server-generated notices such as acknowledgements.
const systemPrefix = "System:"

// Client is the part of the chat client driven by typed input.
type Client interface {
	SubmitChatText(text string)
	RequestUpload(path string)
	Close()
}

// Console renders styled client notifications as lines. It implements
// client.Notifier.
type Console struct {
	emit     func(line string)
	onReject func()

	system  lipgloss.Style
	sender  lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
}

// New creates a console writing to out. onReject runs after a login
// rejection is shown and may be nil.
func New(out io.Writer, onReject func()) *Console {
	var mu sync.Mutex
	return newConsole(lipgloss.NewRenderer(out), func(line string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, line)
	}, onReject)
}

func newConsole(r *lipgloss.Renderer, emit func(string), onReject func()) *Console {
	return &Console{
		emit:     emit,
		onReject: onReject,
		system:   r.NewStyle().Foreground(lipgloss.Color("241")).Italic(true),
		sender:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		success:  r.NewStyle().Foreground(lipgloss.Color("42")),
		failure:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
}

func (c *Console) println(line string) {
	c.emit(line)
}

// OnChatLine renders relayed chat, server notices and file list entries.
func (c *Console) OnChatLine(text string) {
	switch {
	case strings.HasPrefix(text, systemPrefix):
		c.println(c.system.Render(text))
	default:
		if name, msg, ok := strings.Cut(text, ": "); ok && name != "" {
			c.println(c.sender.Render(name+":") + " " + msg)
			return
		}
		c.println(text)
	}
}

// OnLoginRejected reports a refused login.
func (c *Console) OnLoginRejected() {
	c.println(c.failure.Render("Login rejected: wrong password or user already logged in"))
	if c.onReject != nil {
		c.onReject()
	}
}

// OnFileMissing reports a download the server does not have.
func (c *Console) OnFileMissing(name string) {
	c.println(c.failure.Render("File not found: " + name))
}

// OnTransfer reports a finished or failed transfer.
func (c *Console) OnTransfer(name string, dir filetransfer.Direction, size int64, err error) {
	verb := "Downloaded"
	if dir == filetransfer.Outbound {
		verb = "Uploaded"
	}
	if err != nil {
		c.println(c.failure.Render(fmt.Sprintf("%s %s failed: %v", verb, name, err)))
		return
	}
	c.println(c.success.Render(fmt.Sprintf("%s %s (%s)", verb, name, filetransfer.FormatSize(size))))
}

// OnDisconnected reports the end of the control connection.
func (c *Console) OnDisconnected(err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		c.println(c.failure.Render("Disconnected: " + err.Error()))
		return
	}
	c.println(c.system.Render("Disconnected"))
}

// ReadCommands feeds lines from in to cl until /quit or end of input, then
// closes the client. It serves piped input; terminals get the TUI.
func ReadCommands(in io.Reader, cl Client) error {
	defer cl.Close()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if !Dispatch(strings.TrimRight(scanner.Text(), "\r"), cl) {
			return nil
		}
	}
	return scanner.Err()
}

// Dispatch maps one typed line to a client operation. It returns false for
// /quit and leaves closing the client to the caller.
func Dispatch(line string, cl Client) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == QuitDirective:
		return false
	case trimmed == UploadDirective || strings.HasPrefix(trimmed, UploadDirective+" "):
		if path := strings.TrimSpace(strings.TrimPrefix(trimmed, UploadDirective)); path != "" {
			cl.RequestUpload(path)
		}
	default:
		cl.SubmitChatText(line)
	}
	return true
}

// Package wizard provides the interactive prompts of the chat CLI: the client
// login form and the config file writer used by init-config.
package wizard

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/nio-chat/internal/config"
	"github.com/postalsys/nio-chat/internal/protocol"
)

// Wizard manages interactive prompts.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// PrintBanner writes the client start banner.
func (w *Wizard) PrintBanner(out io.Writer, server string) {
	r := lipgloss.NewRenderer(out)

	banner := r.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("nio-chat")

	subtitle := r.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  connecting to " + server + "  (/fileList, /download <name>, /upload <path>, /quit)")

	fmt.Fprintln(out, banner)
	fmt.Fprintln(out, subtitle)
}

// AskLogin prompts for whatever of server address, username and password
// cfg leaves empty.
func (w *Wizard) AskLogin(cfg *config.ClientConfig) error {
	var fields []huh.Field

	if cfg.ServerAddress == "" {
		fields = append(fields, huh.NewInput().
			Title("Server").
			Placeholder(fmt.Sprintf("localhost:%d", config.DefaultPort)).
			Value(&cfg.ServerAddress).
			Validate(ValidateServerAddress))
	}
	if cfg.Username == "" {
		fields = append(fields, huh.NewInput().
			Title("Username").
			Description("New names are registered on first login").
			Value(&cfg.Username).
			Validate(ValidateUsername))
	}
	if cfg.Password == "" {
		fields = append(fields, huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&cfg.Password).
			Validate(ValidatePassword))
	}

	if len(fields) == 0 {
		return nil
	}

	return huh.NewForm(huh.NewGroup(fields...)).WithTheme(w.theme).Run()
}

// ValidateServerAddress checks a host:port pair.
func ValidateServerAddress(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("expected host:port")
	}
	if host == "" || port == "" {
		return fmt.Errorf("host and port required")
	}
	return nil
}

// ValidateUsername rejects names the handshake cannot carry.
func ValidateUsername(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("username required")
	}
	if strings.Contains(s, protocol.CredentialSeparator) {
		return fmt.Errorf("username must not contain %q", protocol.CredentialSeparator)
	}
	if protocol.IsSystemCommand(s) {
		return fmt.Errorf("username is reserved")
	}
	return nil
}

// ValidatePassword rejects secrets the handshake cannot carry.
func ValidatePassword(s string) error {
	if s == "" {
		return fmt.Errorf("password required")
	}
	if strings.Contains(s, protocol.CredentialSeparator) {
		return fmt.Errorf("password must not contain %q", protocol.CredentialSeparator)
	}
	return nil
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func (w *Wizard) WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# nio-chat configuration
# Values may reference the environment as ${VAR} or ${VAR:-default}.

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

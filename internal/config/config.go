// Package config provides configuration parsing and validation for the chat
// server and client.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/nio-chat/internal/filetransfer"
	"github.com/postalsys/nio-chat/internal/logging"
)

// DefaultPort is the server's TCP port.
const DefaultPort = 4040

// Config represents the complete configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
	Health  HealthConfig  `yaml:"health"`
	Control ControlConfig `yaml:"control"`
}

// ServerConfig contains chat server settings.
type ServerConfig struct {
	Address        string `yaml:"address"`          // listen address
	StorageDir     string `yaml:"storage_dir"`      // shared files directory
	UsersFile      string `yaml:"users_file"`       // name:secret registration file
	MaxFrameLength int    `yaml:"max_frame_length"` // bytes per protocol line
	MaxUploadSize  string `yaml:"max_upload_size"`  // e.g. "512MiB", empty = unlimited
}

// ClientConfig contains chat client settings.
type ClientConfig struct {
	ServerAddress  string `yaml:"server_address"`
	DownloadDir    string `yaml:"download_dir"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxFrameLength int    `yaml:"max_frame_length"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines health check and metrics server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines the local control socket of a running server.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        fmt.Sprintf(":%d", DefaultPort),
			StorageDir:     "files",
			UsersFile:      "users.txt",
			MaxFrameLength: 4096,
		},
		Client: ClientConfig{
			ServerAddress:  fmt.Sprintf("localhost:%d", DefaultPort),
			DownloadDir:    ".",
			MaxFrameLength: 4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "./nio-chat.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if err := validateAddress(c.Server.Address, true); err != nil {
		errs = append(errs, fmt.Sprintf("server.address: %v", err))
	}
	if c.Server.StorageDir == "" {
		errs = append(errs, "server.storage_dir is required")
	}
	if c.Server.UsersFile == "" {
		errs = append(errs, "server.users_file is required")
	}
	if c.Server.MaxFrameLength < 64 {
		errs = append(errs, "server.max_frame_length must be at least 64")
	}
	if _, err := filetransfer.ParseSize(c.Server.MaxUploadSize); err != nil {
		errs = append(errs, fmt.Sprintf("server.max_upload_size: %v", err))
	}

	if err := validateAddress(c.Client.ServerAddress, false); err != nil {
		errs = append(errs, fmt.Sprintf("client.server_address: %v", err))
	}
	if c.Client.DownloadDir == "" {
		errs = append(errs, "client.download_dir is required")
	}
	if c.Client.MaxFrameLength < 64 {
		errs = append(errs, "client.max_frame_length must be at least 64")
	}
	if strings.Contains(c.Client.Username, ":") {
		errs = append(errs, "client.username must not contain ':'")
	}
	if strings.Contains(c.Client.Password, ":") {
		errs = append(errs, "client.password must not contain ':'")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %v (must be debug, info, warn, or error)", err))
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %v (must be text or json)", err))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// MaxUploadBytes returns the parsed upload limit, 0 meaning unlimited.
func (s ServerConfig) MaxUploadBytes() int64 {
	n, _ := filetransfer.ParseSize(s.MaxUploadSize)
	return n
}

func validateAddress(addr string, allowEmptyHost bool) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" && !allowEmptyHost {
		return fmt.Errorf("host is required")
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}

// String returns the YAML form with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns the YAML form including secrets.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the client password hidden.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Client.Password != "" {
		redacted.Client.Password = redactedValue
	}
	return &redacted
}

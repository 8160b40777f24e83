// Package main provides the CLI entry point for the nio-chat server and
// terminal client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/nio-chat/internal/client"
	"github.com/postalsys/nio-chat/internal/config"
	"github.com/postalsys/nio-chat/internal/console"
	"github.com/postalsys/nio-chat/internal/control"
	"github.com/postalsys/nio-chat/internal/health"
	"github.com/postalsys/nio-chat/internal/logging"
	"github.com/postalsys/nio-chat/internal/metrics"
	"github.com/postalsys/nio-chat/internal/recovery"
	"github.com/postalsys/nio-chat/internal/server"
	"github.com/postalsys/nio-chat/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nio-chat",
		Short: "nio-chat - Multi-user chat server and client with file transfer",
		Long: `nio-chat is a line-based chat service. One event loop per process
multiplexes every connection; files move over dedicated transfer
connections next to the chat session.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(initConfigCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(filesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads path when given, otherwise starts from defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func serverCmd() *cobra.Command {
	var (
		configPath string
		address    string
		storageDir string
		usersFile  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the chat server",
		Long:  "Start the chat server and serve until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("address") {
				cfg.Server.Address = address
			}
			if cmd.Flags().Changed("storage-dir") {
				cfg.Server.StorageDir = storageDir
			}
			if cmd.Flags().Changed("users-file") {
				cfg.Server.UsersFile = usersFile
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			logger.Debug("configuration", "config", cfg.String())

			m := metrics.Default()
			srv, err := server.New(cfg.Server, logger, m)
			if err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			if cfg.Health.Enabled {
				hs := health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
					Logger:       logger,
				}, srv)
				if err := hs.Start(); err != nil {
					return fmt.Errorf("failed to start health server: %w", err)
				}
				defer hs.Stop()
			}

			if cfg.Control.Enabled {
				cs := control.NewServer(control.ServerConfig{
					SocketPath:   cfg.Control.SocketPath,
					Address:      srv.Addr().String(),
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 10 * time.Second,
					Logger:       logger,
				}, srv)
				if err := cs.Start(); err != nil {
					return fmt.Errorf("failed to start control socket: %w", err)
				}
				defer cs.Stop()
			}

			ctx, cancel := signalContext()
			defer cancel()

			fmt.Printf("nio-chat server listening on %s\n", srv.Addr())
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&address, "address", "", "Listen address (default :4040)")
	cmd.Flags().StringVar(&storageDir, "storage-dir", "", "Directory for shared files")
	cmd.Flags().StringVar(&usersFile, "users-file", "", "Credential file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

func clientCmd() *cobra.Command {
	var (
		configPath  string
		serverAddr  string
		username    string
		password    string
		downloadDir string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the terminal chat client",
		Long: `Connect to a chat server. Lines typed on stdin are sent as chat.
/fileList lists server files, /download <name> fetches one,
/upload <path> shares a local file and /quit disconnects.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if configPath == "" {
				cfg.Logging.Level = "warn"
			}
			if cmd.Flags().Changed("server") {
				cfg.Client.ServerAddress = serverAddr
			}
			if cmd.Flags().Changed("user") {
				cfg.Client.Username = username
			}
			if cmd.Flags().Changed("password") {
				cfg.Client.Password = password
			}
			if cmd.Flags().Changed("download-dir") {
				cfg.Client.DownloadDir = downloadDir
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			w := wizard.New()
			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			if interactive {
				if err := w.AskLogin(&cfg.Client); err != nil {
					return err
				}
			}
			if cfg.Client.Username == "" || cfg.Client.Password == "" {
				return errors.New("username and password are required")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

			ctx, cancel := signalContext()
			defer cancel()

			if interactive && term.IsTerminal(int(os.Stdout.Fd())) {
				return runTUI(ctx, cancel, cfg, logger)
			}

			out := console.New(os.Stdout, cancel)
			cl, err := client.New(cfg.Client, out, logger, nil)
			if err != nil {
				return err
			}

			w.PrintBanner(os.Stdout, cfg.Client.ServerAddress)
			cl.RequestLogin(cfg.Client.Username, cfg.Client.Password)

			recovery.Go(logger, "stdin", func() {
				if err := console.ReadCommands(os.Stdin, cl); err != nil {
					logger.Warn("reading input", logging.KeyError, err)
				}
			}, func(any) { cl.Close() })

			return cl.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "", "Server address (default localhost:4040)")
	cmd.Flags().StringVarP(&username, "user", "u", "", "User name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	cmd.Flags().StringVar(&downloadDir, "download-dir", "", "Directory for downloaded files")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

// runTUI runs the client behind the full-screen terminal UI. The client loop
// runs in the background; whichever side ends first stops the other.
func runTUI(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *slog.Logger) error {
	tui := console.NewTUI(os.Stdin, os.Stdout, cancel)
	cl, err := client.New(cfg.Client, tui, logger, nil)
	if err != nil {
		return err
	}
	cl.RequestLogin(cfg.Client.Username, cfg.Client.Password)
	tui.OnChatLine("System: connecting to " + cfg.Client.ServerAddress + " as " + cfg.Client.Username)

	runErr := make(chan error, 1)
	recovery.Go(logger, "client", func() {
		runErr <- cl.Run(ctx)
		tui.Stop()
	}, func(r any) {
		runErr <- fmt.Errorf("client loop panicked: %v", r)
		tui.Stop()
	})

	if err := tui.Run(ctx, cl); err != nil {
		cl.Close()
		<-runErr
		return err
	}
	return <-runErr
}

func initConfigCmd() *cobra.Command {
	var (
		outPath string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(outPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
			}
			if err := wizard.New().WriteConfig(config.Default(), outPath); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "./config.yaml", "Output path")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

// controlClient connects to a running server's control socket.
func controlClient(cmd *cobra.Command, configPath, socketPath string) (*control.Client, error) {
	if !cmd.Flags().Changed("socket") {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		socketPath = cfg.Control.SocketPath
	}
	return control.NewClient(socketPath), nil
}

func addControlFlags(cmd *cobra.Command, configPath, socketPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(socketPath, "socket", "./nio-chat.sock", "Control socket path")
}

func statusCmd() *cobra.Command {
	var configPath, socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Display the status of a running server via its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := controlClient(cmd, configPath, socketPath)
			if err != nil {
				return err
			}
			defer cc.Close()

			status, err := cc.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to query server: %w", err)
			}

			fmt.Printf("Address:          %s\n", status.Address)
			fmt.Printf("Running:          %v\n", status.Running)
			fmt.Printf("Sessions:         %d\n", status.Sessions)
			fmt.Printf("Connections:      %d\n", status.Connections)
			fmt.Printf("Transfers:        %d\n", status.Transfers)
			fmt.Printf("Registered users: %d\n", status.RegisteredUsers)
			return nil
		},
	}
	addControlFlags(cmd, &configPath, &socketPath)

	return cmd
}

func usersCmd() *cobra.Command {
	var configPath, socketPath string

	cmd := &cobra.Command{
		Use:   "users",
		Short: "List logged-in users",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := controlClient(cmd, configPath, socketPath)
			if err != nil {
				return err
			}
			defer cc.Close()

			users, err := cc.Users(cmd.Context())
			if control.IsUnavailable(err) {
				return fmt.Errorf("server is shutting down: %w", err)
			}
			if err != nil {
				return fmt.Errorf("failed to query server: %w", err)
			}
			if len(users.Users) == 0 {
				fmt.Println("No users logged in.")
				return nil
			}
			for _, name := range users.Users {
				fmt.Println(name)
			}
			return nil
		},
	}
	addControlFlags(cmd, &configPath, &socketPath)

	return cmd
}

func filesCmd() *cobra.Command {
	var configPath, socketPath string

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List shared files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := controlClient(cmd, configPath, socketPath)
			if err != nil {
				return err
			}
			defer cc.Close()

			files, err := cc.Files(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to query server: %w", err)
			}

			if len(files.Files) == 0 {
				fmt.Println("No shared files")
				return nil
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("NAME", "SIZE", "BYTES")
			for _, f := range files.Files {
				t.Row(f.Name, f.Human, strconv.FormatInt(f.Size, 10))
			}
			fmt.Println(t)
			return nil
		},
	}
	addControlFlags(cmd, &configPath, &socketPath)

	return cmd
}

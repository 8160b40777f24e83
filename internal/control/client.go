package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// StatusError is a non-200 reply from the control socket.
type StatusError struct {
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Path, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s: %s (%d)", e.Path, e.Message, e.Code)
}

// Unavailable reports whether the server could not answer right now, as when
// its event loop has stopped.
func (e *StatusError) Unavailable() bool {
	return e.Code == http.StatusServiceUnavailable
}

// IsUnavailable reports whether err carries a 503 reply.
func IsUnavailable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Unavailable()
}

// Client queries a server's control socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient returns a client dialing socketPath for every request.
func NewClient(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{DialContext: dial},
			Timeout:   10 * time.Second,
		},
	}
}

// Status returns counters and the listen address.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return getJSON[StatusResponse](ctx, c, "/status")
}

// Users returns the names with an active session, sorted.
func (c *Client) Users(ctx context.Context) (*UsersResponse, error) {
	return getJSON[UsersResponse](ctx, c, "/users")
}

// Files returns the storage directory listing.
func (c *Client) Files(ctx context.Context) (*FilesResponse, error) {
	return getJSON[FilesResponse](ctx, c, "/files")
}

// Close releases idle socket connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func getJSON[T any](ctx context.Context, c *Client, path string) (*T, error) {
	// Any host works over a unix socket.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://control"+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control socket %s: %w", c.socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{Path: path, Code: resp.StatusCode}
		var body ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body) == nil {
			se.Message = body.Error
		}
		return nil, se
	}

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &v, nil
}

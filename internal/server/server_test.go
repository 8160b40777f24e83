//go:build linux

package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/nio-chat/internal/chat"
	"github.com/postalsys/nio-chat/internal/config"
	"github.com/postalsys/nio-chat/internal/logging"
	"github.com/postalsys/nio-chat/internal/metrics"
	"github.com/postalsys/nio-chat/internal/protocol"
)

const ioTimeout = 5 * time.Second

type testServer struct {
	*Server
	cfg     config.ServerConfig
	metrics *metrics.Metrics
}

func startServer(t *testing.T, mutate ...func(*config.ServerConfig)) *testServer {
	t.Helper()
	return startServerWithLogger(t, logging.NopLogger(), mutate...)
}

func startServerWithLogger(t *testing.T, logger *slog.Logger, mutate ...func(*config.ServerConfig)) *testServer {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default().Server
	cfg.Address = "127.0.0.1:0"
	cfg.StorageDir = filepath.Join(dir, "files")
	cfg.UsersFile = filepath.Join(dir, "users.txt")
	for _, fn := range mutate {
		fn(&cfg)
	}

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	srv, err := New(cfg, logger, m)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(ioTimeout):
			t.Error("server did not stop")
		}
	})

	return &testServer{Server: srv, cfg: cfg, metrics: m}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(ioTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type lineConn struct {
	net.Conn
	r *bufio.Reader
}

func dial(t *testing.T, ts *testServer) *lineConn {
	t.Helper()
	c, err := net.Dial("tcp", ts.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &lineConn{Conn: c, r: bufio.NewReader(c)}
}

func (c *lineConn) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(c, line+"\n"); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func (c *lineConn) readLine(t *testing.T) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(ioTimeout))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v (partial %q)", err, line)
	}
	return line[:len(line)-1]
}

func (c *lineConn) expectEOF(t *testing.T) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(ioTimeout))
	if _, err := c.r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func login(t *testing.T, ts *testServer, name, secret string) *lineConn {
	t.Helper()
	want := ts.Stats().Sessions + 1
	c := dial(t, ts)
	c.send(t, name+":"+secret)
	waitFor(t, name+" to log in", func() bool { return ts.Stats().Sessions == want })
	return c
}

func TestServer_ForwardExcludesSender(t *testing.T) {
	ts := startServer(t)
	a := login(t, ts, "A", "pa")
	b := login(t, ts, "B", "pb")
	c := login(t, ts, "C", "pc")

	a.send(t, "hi")

	if got := b.readLine(t); got != "A: hi" {
		t.Errorf("B got %q, want %q", got, "A: hi")
	}
	if got := c.readLine(t); got != "A: hi" {
		t.Errorf("C got %q, want %q", got, "A: hi")
	}
	if got := a.readLine(t); got != chat.Ack(2) {
		t.Errorf("A got %q, want %q", got, chat.Ack(2))
	}
	if got := testutil.ToFloat64(ts.metrics.Deliveries); got != 2 {
		t.Errorf("deliveries = %v, want 2", got)
	}
}

func TestServer_ForwardAlone(t *testing.T) {
	ts := startServer(t)
	a := login(t, ts, "A", "pa")

	a.send(t, "anyone")
	if got := a.readLine(t); got != "System: Message sent to 0 user/s" {
		t.Errorf("ack = %q", got)
	}
}

// lockedBuffer collects log output written from the loop goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServer_LogLinesCarryOneComponent(t *testing.T) {
	var out lockedBuffer
	ts := startServerWithLogger(t, logging.NewLoggerWithWriter("debug", "text", &out))
	a := login(t, ts, "A", "pa")
	a.send(t, "hello")
	a.readLine(t)

	seen := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if n := strings.Count(line, "component="); n != 1 {
			t.Errorf("line has %d component attributes: %s", n, line)
		}
		if i := strings.Index(line, "component="); i >= 0 {
			seen[strings.Fields(line[i:])[0]] = true
		}
	}
	for _, want := range []string{"component=server", "component=reactor"} {
		if !seen[want] {
			t.Errorf("no log line from %s", want)
		}
	}
}

func TestServer_InvalidChatNotRelayed(t *testing.T) {
	ts := startServer(t)
	a := login(t, ts, "A", "pa")
	b := login(t, ts, "B", "pb")

	a.send(t, "")
	a.send(t, "x:y")
	a.send(t, "well-known")
	a.send(t, protocol.CmdDisconnect.String()+"X")
	a.send(t, "plain")

	// DISCONNECT ends A's session, so "plain" is dropped as well.
	waitFor(t, "A to log out", func() bool { return ts.Stats().Sessions == 1 })

	c := login(t, ts, "C", "pc")
	c.send(t, "ok")
	if got := b.readLine(t); got != "C: ok" {
		t.Errorf("B first line = %q, want %q", got, "C: ok")
	}
	if ts.store.IsRegistered("x") {
		t.Error("chat text containing ':' registered a user")
	}
}

func TestServer_UnauthenticatedChatDropped(t *testing.T) {
	ts := startServer(t)
	b := login(t, ts, "B", "pb")

	anon := dial(t, ts)
	anon.send(t, "hello")
	waitFor(t, "drop", func() bool { return testutil.ToFloat64(ts.metrics.MessagesDropped) == 1 })

	a := login(t, ts, "A", "pa")
	a.send(t, "after")
	if got := b.readLine(t); got != "A: after" {
		t.Errorf("B got %q", got)
	}
}

func TestServer_LoginRejections(t *testing.T) {
	ts := startServer(t)
	_ = login(t, ts, "alice", "secret")

	tests := []struct {
		name  string
		frame string
	}{
		{"wrong secret", "alice:nope"},
		{"duplicate session", "alice:secret"},
		{"empty secret for new name", "bob:"},
		{"empty name", ":pw"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := dial(t, ts)
			c.send(t, tc.frame)
			if got := c.readLine(t); got != protocol.CmdInvalidUser.String() {
				t.Errorf("reply = %q, want %q", got, protocol.CmdInvalidUser)
			}
		})
	}

	if ts.store.IsRegistered("bob") {
		t.Error("empty secret registered bob")
	}
	if got := testutil.ToFloat64(ts.metrics.Logins.WithLabelValues(resultWrongSecret)); got != 1 {
		t.Errorf("wrong_secret logins = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.Logins.WithLabelValues(resultAlreadyActive)); got != 1 {
		t.Errorf("already_active logins = %v, want 1", got)
	}
}

func TestServer_ReloginAfterDisconnect(t *testing.T) {
	ts := startServer(t)
	first := login(t, ts, "alice", "secret")

	first.Close()
	waitFor(t, "session cleanup", func() bool { return ts.Stats().Sessions == 0 })

	_ = login(t, ts, "alice", "secret")
	if got := ts.Stats().RegisteredUsers; got != 1 {
		t.Errorf("registered users = %d, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.Registrations); got != 1 {
		t.Errorf("registrations = %v, want 1", got)
	}

	data, err := os.ReadFile(ts.cfg.UsersFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "alice:secret\n" {
		t.Errorf("users file = %q", data)
	}
}

func TestServer_ConcurrentDuplicateLogin(t *testing.T) {
	ts := startServer(t)

	c1 := dial(t, ts)
	c2 := dial(t, ts)
	c1.send(t, "dup:pw")
	c2.send(t, "dup:pw")

	// Exactly one of the two is rejected.
	rejected := make(chan *lineConn, 2)
	for _, c := range []*lineConn{c1, c2} {
		go func(c *lineConn) {
			c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			if line, err := c.r.ReadString('\n'); err == nil && line == protocol.CmdInvalidUser.String()+"\n" {
				rejected <- c
				return
			}
			rejected <- nil
		}(c)
	}

	count := 0
	for i := 0; i < 2; i++ {
		if <-rejected != nil {
			count++
		}
	}
	if count != 1 {
		t.Errorf("rejected %d logins, want exactly 1", count)
	}
	if got := ts.Stats().Sessions; got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
}

func TestServer_FileList(t *testing.T) {
	ts := startServer(t)
	for _, name := range []string{"b.txt", "a.txt", "my-notes.txt"} {
		if err := os.WriteFile(filepath.Join(ts.cfg.StorageDir, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(ts.cfg.StorageDir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	a := login(t, ts, "A", "pa")
	a.send(t, protocol.UserFileList.String())

	for _, want := range []string{"a.txt", "b.txt", "my-notes.txt"} {
		if got := a.readLine(t); got != want {
			t.Errorf("listing line = %q, want %q", got, want)
		}
	}
}

func upload(t *testing.T, ts *testServer, name string, payload []byte) {
	t.Helper()
	c := dial(t, ts)
	ann := protocol.UploadAnnouncement{Name: name, Size: int64(len(payload))}
	frame := append([]byte(ann.String()+"\n"), payload...)
	if _, err := c.Write(frame); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	// The server closes the transfer connection once the file is complete.
	c.expectEOF(t)
}

func download(t *testing.T, ts *testServer, name string) []byte {
	t.Helper()
	c := dial(t, ts)
	c.send(t, protocol.DownloadRequest(name))

	ann, err := protocol.ParseUploadAnnouncement(c.readLine(t))
	if err != nil {
		t.Fatalf("download reply: %v", err)
	}
	if ann.Name != name {
		t.Errorf("announced name = %q, want %q", ann.Name, name)
	}

	data := make([]byte, ann.Size)
	c.SetReadDeadline(time.Now().Add(ioTimeout))
	if _, err := io.ReadFull(c.r, data); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	c.expectEOF(t)
	return data
}

func TestServer_UploadDownloadRoundTrip(t *testing.T) {
	ts := startServer(t)

	payload := make([]byte, 3*1024*1024+17)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	upload(t, ts, "big-file.bin", payload)

	stored, err := os.ReadFile(filepath.Join(ts.cfg.StorageDir, "big-file.bin"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(stored, payload) {
		t.Fatalf("stored file differs: %d bytes, want %d", len(stored), len(payload))
	}

	got := download(t, ts, "big-file.bin")
	if !bytes.Equal(got, payload) {
		t.Fatalf("downloaded file differs: %d bytes, want %d", len(got), len(payload))
	}

	waitFor(t, "transfers to finish", func() bool { return ts.Stats().Transfers == 0 })
	if got := testutil.ToFloat64(ts.metrics.TransfersTotal.WithLabelValues("inbound", "complete")); got != 1 {
		t.Errorf("inbound transfers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.TransfersTotal.WithLabelValues("outbound", "complete")); got != 1 {
		t.Errorf("outbound transfers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.FilesStored); got != 1 {
		t.Errorf("files stored = %v, want 1", got)
	}
}

func TestServer_DownloadAfterHalfClose(t *testing.T) {
	ts := startServer(t)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 256*1024)
	if err := os.WriteFile(filepath.Join(ts.cfg.StorageDir, "f.bin"), payload, 0644); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ts)
	c.send(t, protocol.DownloadRequest("f.bin"))
	if err := c.Conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite() error = %v", err)
	}

	ann, err := protocol.ParseUploadAnnouncement(c.readLine(t))
	if err != nil {
		t.Fatalf("download reply: %v", err)
	}
	if ann.Size != int64(len(payload)) {
		t.Fatalf("announced size = %d, want %d", ann.Size, len(payload))
	}
	c.SetReadDeadline(time.Now().Add(ioTimeout))
	got, err := io.ReadAll(c.r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("received %d bytes, want %d", len(got), len(payload))
	}

	waitFor(t, "transfer to finish", func() bool { return ts.Stats().Transfers == 0 })
	if got := testutil.ToFloat64(ts.metrics.TransfersTotal.WithLabelValues("outbound", "complete")); got != 1 {
		t.Errorf("outbound transfers = %v, want 1", got)
	}
}

func TestServer_MissingFileReplySurvivesHalfClose(t *testing.T) {
	ts := startServer(t)

	c := dial(t, ts)
	c.send(t, protocol.DownloadRequest("ghost.txt"))
	c.Conn.(*net.TCPConn).CloseWrite()

	if got := c.readLine(t); got != protocol.CmdFileNotFound.String() {
		t.Errorf("reply = %q, want %q", got, protocol.CmdFileNotFound)
	}
	c.expectEOF(t)
}

func TestServer_ZeroByteUpload(t *testing.T) {
	ts := startServer(t)

	upload(t, ts, "empty.txt", nil)

	info, err := os.Stat(filepath.Join(ts.cfg.StorageDir, "empty.txt"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("size = %d, want 0", info.Size())
	}

	if got := download(t, ts, "empty.txt"); len(got) != 0 {
		t.Errorf("download = %d bytes, want 0", len(got))
	}
	if got := testutil.ToFloat64(ts.metrics.FilesStored); got != 1 {
		t.Errorf("files stored = %v, want 1", got)
	}
}

func TestServer_DownloadMissingFile(t *testing.T) {
	ts := startServer(t)

	c := dial(t, ts)
	c.send(t, protocol.DownloadRequest("ghost.txt"))

	if got := c.readLine(t); got != protocol.CmdFileNotFound.String() {
		t.Errorf("reply = %q, want %q", got, protocol.CmdFileNotFound)
	}
	c.expectEOF(t)

	if got := ts.Stats().Transfers; got != 0 {
		t.Errorf("transfers = %d, want 0", got)
	}
}

func TestServer_RejectsUnsafeUploadName(t *testing.T) {
	ts := startServer(t)

	c := dial(t, ts)
	c.send(t, protocol.UploadAnnouncement{Name: "../escape.txt", Size: 3}.String())
	c.expectEOF(t)

	if _, err := os.Stat(filepath.Join(filepath.Dir(ts.cfg.StorageDir), "escape.txt")); !os.IsNotExist(err) {
		t.Errorf("unsafe upload created a file outside storage: %v", err)
	}
}

func TestServer_RejectsUploadNameWithCommandToken(t *testing.T) {
	ts := startServer(t)

	c := dial(t, ts)
	c.send(t, "SYSTEM_COMMAND_FILE_UPLOAD-SYSTEM_COMMAND_INVALID_USER.txt-1")
	c.expectEOF(t)

	names, err := os.ReadDir(ts.cfg.StorageDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("storage holds %d entries, want 0", len(names))
	}
}

func TestServer_DownloadNameWithCommandToken(t *testing.T) {
	ts := startServer(t)

	c := dial(t, ts)
	c.send(t, protocol.DownloadRequest("SYSTEM_COMMAND_DISCONNECT"))
	if got := c.readLine(t); got != protocol.CmdFileNotFound.String() {
		t.Errorf("reply = %q, want %q", got, protocol.CmdFileNotFound)
	}
	c.expectEOF(t)
}

func TestServer_UnexpectedSystemCommand(t *testing.T) {
	ts := startServer(t)

	anon := dial(t, ts)
	anon.send(t, protocol.CmdInvalidUser.String())
	anon.expectEOF(t)

	// A logged-in control connection survives the same frame.
	a := login(t, ts, "A", "pa")
	a.send(t, protocol.CmdFileNotFound.String())
	a.send(t, "still here")
	if got := a.readLine(t); got != "System: Message sent to 0 user/s" {
		t.Errorf("ack = %q", got)
	}
}

func TestServer_RejectsOversizedUpload(t *testing.T) {
	ts := startServer(t, func(cfg *config.ServerConfig) { cfg.MaxUploadSize = "1KiB" })

	c := dial(t, ts)
	c.send(t, protocol.UploadAnnouncement{Name: "huge.bin", Size: 4096}.String())
	c.expectEOF(t)

	if _, err := os.Stat(filepath.Join(ts.cfg.StorageDir, "huge.bin")); !os.IsNotExist(err) {
		t.Errorf("oversized upload created a file: %v", err)
	}
}

func TestServer_IncompleteUploadRemoved(t *testing.T) {
	ts := startServer(t)

	c := dial(t, ts)
	c.send(t, "SYSTEM_COMMAND_FILE_UPLOAD-partial.bin-"+strconv.Itoa(1000))
	if _, err := c.Write([]byte("only a few bytes")); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(ts.cfg.StorageDir, "partial.bin")
	waitFor(t, "upload to start", func() bool { return ts.Stats().Transfers == 1 })

	c.Close()
	waitFor(t, "upload to fail", func() bool { return ts.Stats().Transfers == 0 })

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("partial file kept: %v", err)
	}
	if got := testutil.ToFloat64(ts.metrics.TransfersTotal.WithLabelValues("inbound", "failed")); got != 1 {
		t.Errorf("failed transfers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.FilesStored); got != 0 {
		t.Errorf("files stored = %v, want 0", got)
	}
}

func TestServer_ActiveUsersAndFiles(t *testing.T) {
	ts := startServer(t)
	_ = login(t, ts, "zoe", "pz")
	_ = login(t, ts, "adam", "pa")

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	users, err := ts.ActiveUsers(ctx)
	if err != nil {
		t.Fatalf("ActiveUsers() error = %v", err)
	}
	if len(users) != 2 || users[0] != "adam" || users[1] != "zoe" {
		t.Errorf("ActiveUsers() = %v, want [adam zoe]", users)
	}

	upload(t, ts, "doc.txt", []byte("four"))
	files, err := ts.Files()
	if err != nil {
		t.Fatalf("Files() error = %v", err)
	}
	if len(files) != 1 || files[0].Name != "doc.txt" || files[0].Size != 4 || files[0].Human != "4 B" {
		t.Errorf("Files() = %+v", files)
	}
}

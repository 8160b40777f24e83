package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestEncode(t *testing.T) {
	got, err := Encode("hello")
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(got) != "hello\n" {
		t.Errorf("Encode() = %q, want %q", got, "hello\n")
	}

	if _, err := Encode("two\nlines"); !errors.Is(err, ErrFrameContainsTerminator) {
		t.Errorf("Encode() error = %v, want ErrFrameContainsTerminator", err)
	}
}

func TestFrameReader_PartialArrivals(t *testing.T) {
	r := NewFrameReader(64)

	r.Feed([]byte("hel"))
	if _, ok := r.Next(); ok {
		t.Fatal("Next() returned a frame before terminator arrived")
	}

	r.Feed([]byte("lo\nwor"))
	frame, ok := r.Next()
	if !ok || frame != "hello" {
		t.Fatalf("Next() = %q, %v; want hello, true", frame, ok)
	}
	if _, ok := r.Next(); ok {
		t.Fatal("Next() returned incomplete second frame")
	}

	r.Feed([]byte("ld\n\n"))
	frame, ok = r.Next()
	if !ok || frame != "world" {
		t.Fatalf("Next() = %q, %v; want world, true", frame, ok)
	}
	frame, ok = r.Next()
	if !ok || frame != "" {
		t.Fatalf("Next() = %q, %v; want empty frame", frame, ok)
	}
	if r.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", r.Buffered())
	}
}

func TestFrameReader_LengthBound(t *testing.T) {
	r := NewFrameReader(4)
	r.Feed([]byte("abcdefg\n"))

	want := []string{"abcd", "efg"}
	for _, w := range want {
		got, ok := r.Next()
		if !ok || got != w {
			t.Fatalf("Next() = %q, %v; want %q", got, ok, w)
		}
	}
	if _, ok := r.Next(); ok {
		t.Error("Next() returned unexpected frame")
	}

	// A frame of exactly the bound keeps its terminator.
	r.Feed([]byte("wxyz\nab"))
	if got, ok := r.Next(); !ok || got != "wxyz" {
		t.Fatalf("Next() = %q, %v; want wxyz", got, ok)
	}
	if _, ok := r.Next(); ok {
		t.Error("Next() split the terminator into its own frame")
	}
}

func TestFrameReader_Drain(t *testing.T) {
	r := NewFrameReader(0)
	r.Feed([]byte("SYSTEM_COMMAND_FILE_UPLOAD-a.txt-3\nxyz"))

	frame, ok := r.Next()
	if !ok || !CmdFileUpload.In(frame) {
		t.Fatalf("Next() = %q, %v", frame, ok)
	}

	rest := r.Drain()
	if string(rest) != "xyz" {
		t.Errorf("Drain() = %q, want xyz", rest)
	}
	if r.Buffered() != 0 {
		t.Errorf("Buffered() = %d after drain", r.Buffered())
	}
}

func TestCommandContainment(t *testing.T) {
	tests := []struct {
		frame  string
		system bool
		user   bool
	}{
		{"SYSTEM_COMMAND_DISCONNECT", true, false},
		{"SYSTEM_COMMAND_FILE_UPLOAD-a.txt-10", true, false},
		{"prefix SYSTEM_COMMAND_INVALID_USER suffix", true, false},
		{"/download report.pdf", false, true},
		{"please /fileList", false, true},
		{"hello there", false, false},
		{"system_command_disconnect", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.frame, func(t *testing.T) {
			if got := IsSystemCommand(tc.frame); got != tc.system {
				t.Errorf("IsSystemCommand(%q) = %v, want %v", tc.frame, got, tc.system)
			}
			if got := IsUserCommand(tc.frame); got != tc.user {
				t.Errorf("IsUserCommand(%q) = %v, want %v", tc.frame, got, tc.user)
			}
		})
	}

	if cmd, ok := MatchSystemCommand("SYSTEM_COMMAND_FILE_DOWNLOAD-x"); !ok || cmd != CmdFileDownload {
		t.Errorf("MatchSystemCommand() = %v, %v", cmd, ok)
	}
}

func TestMatchSystemCommand_EarliestTokenWins(t *testing.T) {
	tests := []struct {
		frame string
		want  SystemCommand
	}{
		{"SYSTEM_COMMAND_FILE_UPLOAD-SYSTEM_COMMAND_INVALID_USER.txt-1", CmdFileUpload},
		{"SYSTEM_COMMAND_FILE_DOWNLOAD-SYSTEM_COMMAND_DISCONNECT", CmdFileDownload},
		{"SYSTEM_COMMAND_FILE_UPLOAD-SYSTEM_COMMAND_FILE_NOT_FOUND-3", CmdFileUpload},
		{"x SYSTEM_COMMAND_DISCONNECT SYSTEM_COMMAND_INVALID_USER", CmdDisconnect},
	}

	for _, tc := range tests {
		cmd, ok := MatchSystemCommand(tc.frame)
		if !ok || cmd != tc.want {
			t.Errorf("MatchSystemCommand(%q) = %v, %v; want %v", tc.frame, cmd, ok, tc.want)
		}
	}
	if _, ok := MatchSystemCommand("plain chat"); ok {
		t.Error("MatchSystemCommand matched plain chat")
	}
}

func TestIsInvalidChat(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"", true},
		{"a:b", true},
		{"well-known", true},
		{"SYSTEM_COMMAND_DISCONNECT", true},
		{"hi", false},
		{"hello world", false},
	}

	for _, tc := range tests {
		if got := IsInvalidChat(tc.msg); got != tc.want {
			t.Errorf("IsInvalidChat(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestUploadAnnouncement(t *testing.T) {
	a := UploadAnnouncement{Name: "my-notes.txt", Size: 1234}
	frame := a.String()
	if frame != "SYSTEM_COMMAND_FILE_UPLOAD-my-notes.txt-1234" {
		t.Fatalf("String() = %q", frame)
	}

	got, err := ParseUploadAnnouncement(frame)
	if err != nil {
		t.Fatalf("ParseUploadAnnouncement() error = %v", err)
	}
	if got != a {
		t.Errorf("ParseUploadAnnouncement() = %+v, want %+v", got, a)
	}

	bad := []string{
		"SYSTEM_COMMAND_FILE_UPLOAD",
		"SYSTEM_COMMAND_FILE_UPLOAD-noSize",
		"SYSTEM_COMMAND_FILE_UPLOAD-a-minus",
		"SYSTEM_COMMAND_FILE_UPLOAD--5",
	}
	for _, f := range bad {
		if _, err := ParseUploadAnnouncement(f); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("ParseUploadAnnouncement(%q) error = %v, want ErrMalformedPayload", f, err)
		}
	}
}

func TestDownloadRequest(t *testing.T) {
	frame := DownloadRequest("file-1.bin")
	if !strings.HasPrefix(frame, string(CmdFileDownload)+"-") {
		t.Fatalf("DownloadRequest() = %q", frame)
	}

	name, err := ParseDownloadRequest(frame)
	if err != nil || name != "file-1.bin" {
		t.Errorf("ParseDownloadRequest() = %q, %v", name, err)
	}

	if _, err := ParseDownloadRequest(string(CmdFileDownload) + "-"); err == nil {
		t.Error("ParseDownloadRequest() accepted empty name")
	}
}

func TestParseDownloadDirective(t *testing.T) {
	name, err := ParseDownloadDirective("/download  report.pdf ")
	if err != nil || name != "report.pdf" {
		t.Errorf("ParseDownloadDirective() = %q, %v", name, err)
	}

	if _, err := ParseDownloadDirective("/download"); err == nil {
		t.Error("ParseDownloadDirective() accepted missing name")
	}
}

package filetransfer

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a size limit such as "10MiB", "500KB" or "1024".
// An empty string means no limit and yields 0.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}

	return int64(bytes), nil
}

// FormatSize renders bytes with IEC units for logs and notifications.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}

// Progress renders "<done> / <total>".
func Progress(s *Session) string {
	return FormatSize(s.Transferred()) + " / " + FormatSize(s.Total())
}

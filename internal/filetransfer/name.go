package filetransfer

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrUnsafeName is returned for file names that could escape the storage
// directory or cannot be represented on disk.
var ErrUnsafeName = errors.New("unsafe file name")

// SanitizeName normalizes name to NFC and rejects anything other than a single
// plain path element.
func SanitizeName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))

	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrUnsafeName, name)
	}
	return name, nil
}

// ListFiles returns the sorted names of regular files directly inside dir.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

package duckdb

import (
	"fmt"
	"io"
	"os"
)

// spoolToTemp copies reader into a new file under dir and returns its path.
// The caller removes the file.
func spoolToTemp(reader io.Reader, dir, pattern string, maxBytes int64) (string, int64, error) {
	file, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", 0, err
	}
	path := file.Name()
	defer func() { _ = file.Close() }()

	source := reader
	if maxBytes > 0 {
		source = io.LimitReader(reader, maxBytes+1)
	}
	written, err := io.Copy(file, source)
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	if maxBytes > 0 && written > maxBytes {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("%w: exceeds %d bytes", ErrUploadTooLarge, maxBytes)
	}
	return path, written, nil
}

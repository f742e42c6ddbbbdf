package persistence

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// IsGzip reports whether b starts with the gzip magic bytes.
func IsGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func Compress(b []byte) ([]byte, error) {
	var buff bytes.Buffer
	w := gzip.NewWriter(&buff)
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	return buff.Bytes(), nil
}

// Decompress gunzips b when it carries the gzip magic and otherwise returns
// it unchanged, so snapshots written before compression still load.
func Decompress(b []byte) ([]byte, error) {
	if !IsGzip(b) {
		return b, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return out, nil
}

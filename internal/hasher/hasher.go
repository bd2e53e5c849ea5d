// Package hasher fingerprints uploaded statements: SHA256, size and sniffed MIME type.
package hasher

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// sniffLen is how many leading bytes http.DetectContentType considers.
const sniffLen = 512

// Metadata holds the fingerprint of one upload.
type Metadata struct {
	Hash        string // hex-encoded SHA256
	Size        int64  // bytes
	ContentType string // sniffed MIME type
}

// Compute streams r through SHA256 and returns its fingerprint.
func Compute(r io.Reader) (*Metadata, error) {
	br := bufio.NewReaderSize(r, sniffLen)

	// Peek returns fewer bytes and io.EOF for short inputs; that is fine.
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("hasher: read head: %w", err)
	}
	contentType := http.DetectContentType(head)

	h := sha256.New()
	size, err := io.Copy(h, br)
	if err != nil {
		return nil, fmt.Errorf("hasher: copy: %w", err)
	}

	return &Metadata{
		Hash:        hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		ContentType: contentType,
	}, nil
}

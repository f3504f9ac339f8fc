// Package checksum provides content digests and cheap change signatures
// for sync classification.
package checksum

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// File computes the BLAKE3 hash of the file at path, returning the
// hex-encoded digest.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}

	digest := h.Sum(nil)
	return hex.EncodeToString(digest), nil
}

// Reader hashes everything read through it, so a copy produces the
// source digest without a second read pass.
type Reader struct {
	r io.Reader
	h *blake3.Hasher
}

// NewReader wraps r with a tee into a BLAKE3 hasher.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: blake3.New()}
}

func (cr *Reader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		// Hasher.Write never fails.
		cr.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex-encoded digest of all bytes read so far.
func (cr *Reader) Sum() string {
	return hex.EncodeToString(cr.h.Sum(nil))
}

// Signature is the cheap change signature: size plus modification time.
// Matching signatures let classification skip digest computation.
type Signature struct {
	Size    int64
	ModTime time.Time
}

// SignatureOf builds a Signature from file metadata.
func SignatureOf(fi fs.FileInfo) Signature {
	return Signature{Size: fi.Size(), ModTime: fi.ModTime()}
}

// Equal reports whether two signatures match. Modification times are
// compared at millisecond precision: the two sides live on different
// filesystems and exFAT/NFS servers round timestamps differently.
func (s Signature) Equal(other Signature) bool {
	if s.Size != other.Size {
		return false
	}
	return s.ModTime.Truncate(time.Millisecond).Equal(other.ModTime.Truncate(time.Millisecond))
}

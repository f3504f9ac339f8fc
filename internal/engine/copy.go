package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/keepsakefs/keepsake/internal/checksum"
	"github.com/keepsakefs/keepsake/internal/pipeline"
	"github.com/keepsakefs/keepsake/internal/platform"
	"github.com/keepsakefs/keepsake/internal/throttle"
)

// copyResult describes one completed atomic copy.
type copyResult struct {
	Checksum string      // digest of the source bytes as read
	Bytes    int64       // plaintext bytes moved
	DstInfo  os.FileInfo // destination after rename
}

// copyFile copies src to dst through a temporary sibling, then renames
// it into place so readers never observe a partial file. enc, when
// non-nil, transforms the stream on its way to disk; thr paces reads.
// replace clears a destination occupied by an entry of the wrong type.
func copyFile(ctx context.Context, src, dst string, rec FileRecord, enc *pipeline.Pipeline, thr *throttle.Throttler, replace bool) (*copyResult, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir for %s: %w", dst, err)
	}

	tmp := tmpPath(dst)
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmp, err)
	}
	registerTmp(tmp)
	discard := func() {
		out.Close()
		os.Remove(tmp)
		deregisterTmp(tmp)
	}

	var w io.WriteCloser = nopWriteCloser{out}
	if enc != nil {
		if w, err = enc.Encode(out); err != nil {
			discard()
			return nil, fmt.Errorf("encode %s: %w", dst, err)
		}
	} else {
		// Transformed output sizes are unknown up front, so only
		// plain copies get preallocated.
		platform.Preallocate(out, rec.Size)
	}

	cr := checksum.NewReader(in)
	var r io.Reader = cr
	if thr != nil && thr.Enabled() {
		r = thr.Reader(ctx, r)
	}

	buf := platform.GetBuffer()
	defer platform.PutBuffer(buf)
	n, err := io.CopyBuffer(w, r, *buf)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = out.Sync()
	}
	if err != nil {
		discard()
		return nil, fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		deregisterTmp(tmp)
		return nil, fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Chmod(tmp, rec.Mode); err != nil {
		os.Remove(tmp)
		deregisterTmp(tmp)
		return nil, fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := os.Chtimes(tmp, time.Now(), rec.ModTime); err != nil {
		os.Remove(tmp)
		deregisterTmp(tmp)
		return nil, fmt.Errorf("chtimes %s: %w", tmp, err)
	}

	if replace {
		if err := os.RemoveAll(dst); err != nil {
			os.Remove(tmp)
			deregisterTmp(tmp)
			return nil, fmt.Errorf("clear %s: %w", dst, err)
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		deregisterTmp(tmp)
		return nil, fmt.Errorf("rename %s: %w", dst, err)
	}
	deregisterTmp(tmp)

	fi, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dst, err)
	}
	return &copyResult{Checksum: cr.Sum(), Bytes: n, DstInfo: fi}, nil
}

// removeFile deletes path, treating an already-missing file as success.
func removeFile(path string, isDir bool) error {
	var err error
	if isDir {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

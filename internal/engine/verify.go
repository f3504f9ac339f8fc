package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/keepsakefs/keepsake/internal/checksum"
	"github.com/keepsakefs/keepsake/internal/event"
	"github.com/keepsakefs/keepsake/internal/group"
	"github.com/keepsakefs/keepsake/internal/pipeline"
	"github.com/keepsakefs/keepsake/internal/platform"
)

// VerifyResult summarizes a deep verification pass over one group.
type VerifyResult struct {
	Group      string
	Checked    int
	Mismatched []string
	Missing    []string
	FileErrors []FileError
}

// Clean reports whether every checked copy matched.
func (v *VerifyResult) Clean() bool {
	return len(v.Mismatched) == 0 && len(v.Missing) == 0 && len(v.FileErrors) == 0
}

// Verify re-reads every tracked backup copy, decoding containers when
// the group transforms, and compares content digests against the
// tracking store. It shares the per-group flight slot with Synchronize
// so a concurrent run cannot shift files mid-check.
func (s *Synchronizer) Verify(ctx context.Context, g *group.Group, cfg Config) (*VerifyResult, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if !s.flights.tryAcquire(g.ID) {
		return nil, fmt.Errorf("%w: %s", ErrSyncInFlight, g.ID)
	}
	defer s.flights.release(g.ID)

	var dec *pipeline.Pipeline
	if opts := pipeline.OptionsFor(g); opts.Enabled() {
		var err error
		if dec, err = pipeline.New(opts); err != nil {
			return nil, err
		}
	}

	entries, err := s.store.Entries(g.ID)
	if err != nil {
		return nil, fmt.Errorf("load tracked state: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	res := &VerifyResult{Group: g.ID}
	log := s.log.With("group", g.ID)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entry := entries[p]
		sum, err := digestBackup(filepath.Join(g.BackupRoot, filepath.FromSlash(p)), dec)
		switch {
		case errors.Is(err, os.ErrNotExist):
			res.Missing = append(res.Missing, p)
			log.Warn("backup copy missing", "path", p)
		case errors.Is(err, pipeline.ErrAuthenticationFailed):
			res.Mismatched = append(res.Mismatched, p)
			s.emitVerify(cfg, g.ID, p, err)
			log.Warn("backup copy failed authentication", "path", p)
		case err != nil:
			res.FileErrors = append(res.FileErrors, FileError{Path: p, Op: "verify", Err: err})
			log.Warn("verify failed", "path", p, "error", err)
		case sum != entry.Checksum:
			res.Mismatched = append(res.Mismatched, p)
			s.emitVerify(cfg, g.ID, p, nil)
			log.Warn("backup copy does not match tracked digest", "path", p)
		default:
			res.Checked++
		}
	}
	log.Info("verify finished",
		"checked", res.Checked,
		"mismatched", len(res.Mismatched),
		"missing", len(res.Missing),
		"errors", len(res.FileErrors))
	return res, nil
}

func (s *Synchronizer) emitVerify(cfg Config, groupID, path string, err error) {
	if cfg.Events == nil {
		return
	}
	select {
	case cfg.Events <- event.Event{
		Type:      event.VerifyMismatch,
		Timestamp: time.Now(),
		Group:     groupID,
		Path:      path,
		Error:     err,
	}:
	default:
	}
}

// digestBackup hashes the logical content of one backup copy. Container
// files are decoded first; plain files written before transforms were
// enabled hash as-is.
func digestBackup(path string, dec *pipeline.Pipeline) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if dec == nil {
		cr := checksum.NewReader(f)
		if _, err := io.Copy(io.Discard, cr); err != nil {
			return "", err
		}
		return cr.Sum(), nil
	}

	rc, err := dec.Decode(f)
	if errors.Is(err, pipeline.ErrNotArchive) {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return "", serr
		}
		cr := checksum.NewReader(f)
		if _, err := io.Copy(io.Discard, cr); err != nil {
			return "", err
		}
		return cr.Sum(), nil
	}
	if err != nil {
		return "", err
	}
	cr := checksum.NewReader(rc)
	if _, err := io.Copy(io.Discard, cr); err != nil {
		rc.Close()
		return "", err
	}
	if err := rc.Close(); err != nil {
		return "", err
	}
	return cr.Sum(), nil
}

// Restore writes one tracked backup copy back to the master tree (or to
// destPath when given), decoding containers and re-checking the digest
// before the file is moved into place.
func (s *Synchronizer) Restore(ctx context.Context, g *group.Group, relPath, destPath string) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var dec *pipeline.Pipeline
	if opts := pipeline.OptionsFor(g); opts.Enabled() {
		var err error
		if dec, err = pipeline.New(opts); err != nil {
			return err
		}
	}
	if destPath == "" {
		destPath = filepath.Join(g.MasterRoot, filepath.FromSlash(relPath))
	}

	entry, tracked, err := s.store.Lookup(g.ID, relPath)
	if err != nil {
		return err
	}

	src := filepath.Join(g.BackupRoot, filepath.FromSlash(relPath))
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open backup copy: %w", err)
	}
	defer f.Close()

	var in io.Reader = f
	var decStream io.ReadCloser
	if dec != nil {
		decStream, err = dec.Decode(f)
		if errors.Is(err, pipeline.ErrNotArchive) {
			if _, serr := f.Seek(0, io.SeekStart); serr != nil {
				return serr
			}
		} else if err != nil {
			return fmt.Errorf("decode %s: %w", src, err)
		} else {
			in = decStream
		}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", destPath, err)
	}
	tmp := tmpPath(destPath)
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	registerTmp(tmp)
	discard := func() {
		out.Close()
		os.Remove(tmp)
		deregisterTmp(tmp)
	}
	if tracked {
		platform.Preallocate(out, entry.Size)
	}

	cr := checksum.NewReader(in)
	buf := platform.GetBuffer()
	defer platform.PutBuffer(buf)
	// nopWriteCloser keeps os.File's ReadFrom from bypassing the
	// pooled buffer.
	if _, err := io.CopyBuffer(nopWriteCloser{out}, cr, *buf); err != nil {
		discard()
		return fmt.Errorf("restore %s: %w", relPath, err)
	}
	if decStream != nil {
		if err := decStream.Close(); err != nil {
			discard()
			return fmt.Errorf("restore %s: %w", relPath, err)
		}
	}
	if tracked && cr.Sum() != entry.Checksum {
		discard()
		return fmt.Errorf("restore %s: backup content does not match tracked digest", relPath)
	}
	if err := out.Sync(); err != nil {
		discard()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		deregisterTmp(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		deregisterTmp(tmp)
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if tracked {
		if err := os.Chtimes(tmp, time.Now(), entry.ModTime); err != nil {
			os.Remove(tmp)
			deregisterTmp(tmp)
			return fmt.Errorf("chtimes %s: %w", tmp, err)
		}
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		deregisterTmp(tmp)
		return fmt.Errorf("rename %s: %w", destPath, err)
	}
	deregisterTmp(tmp)
	s.log.Info("restored", "group", g.ID, "path", relPath, "dest", destPath)
	return nil
}

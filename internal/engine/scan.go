package engine

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/keepsakefs/keepsake/internal/filter"
)

// FileRecord is one entry observed during a tree scan.
type FileRecord struct {
	RelPath string
	IsDir   bool
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode
}

// treeSnapshot is the result of enumerating one root: regular files and
// directories keyed by slash-separated relative path, plus per-entry errors.
type treeSnapshot struct {
	root  string
	files map[string]FileRecord
	dirs  map[string]FileRecord
	errs  []FileError
}

// scanner traverses a directory tree in parallel, applying exclusion
// rules as it descends. Unreadable entries are recorded, not fatal.
type scanner struct {
	root    string
	rules   *filter.Rules
	workers int
	log     *slog.Logger

	mu    sync.Mutex
	files map[string]FileRecord
	dirs  map[string]FileRecord
	errs  []FileError
}

func newScanner(root string, rules *filter.Rules, workers int, log *slog.Logger) *scanner {
	if workers <= 0 {
		workers = min(runtime.NumCPU(), 8)
	}
	return &scanner{
		root:    root,
		rules:   rules,
		workers: workers,
		log:     log,
		files:   make(map[string]FileRecord),
		dirs:    make(map[string]FileRecord),
	}
}

// scan walks the tree and returns its snapshot. It stops early when ctx is
// cancelled, returning ctx.Err() alongside whatever was collected so far.
func (s *scanner) scan(ctx context.Context) (*treeSnapshot, error) {
	workQueue := make(chan string, s.workers*2)
	var outstanding sync.WaitGroup // tracks directories queued but not yet processed

	var workerWg sync.WaitGroup
	for range s.workers {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for dirPath := range workQueue {
				s.scanDir(ctx, dirPath, workQueue, &outstanding)
				outstanding.Done()
			}
		}()
	}

	// Seed with the root, then wait for all directory work to finish
	// before closing the queue so workers exit their range loop.
	outstanding.Add(1)
	workQueue <- s.root
	outstanding.Wait()
	close(workQueue)
	workerWg.Wait()

	snap := &treeSnapshot{root: s.root, files: s.files, dirs: s.dirs, errs: s.errs}
	if err := ctx.Err(); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *scanner) scanDir(ctx context.Context, dirPath string, workQueue chan<- string, outstanding *sync.WaitGroup) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		s.recordErr(dirPath, "readdir", err)
		return
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entryPath := filepath.Join(dirPath, entry.Name())
		relPath, err := filepath.Rel(s.root, entryPath)
		if err != nil {
			s.recordErr(entryPath, "rel", err)
			continue
		}
		relPath = filepath.ToSlash(relPath)

		if strings.HasSuffix(entry.Name(), TmpSuffix) {
			continue
		}
		if s.rules.Excluded(relPath, entry.IsDir()) {
			s.log.Debug("excluded by filter", "path", relPath)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.recordErr(entryPath, "lstat", err)
			continue
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			s.add(relPath, FileRecord{
				RelPath: relPath,
				IsDir:   true,
				ModTime: info.ModTime(),
				Mode:    mode.Perm(),
			})
			outstanding.Add(1)
			select {
			case workQueue <- entryPath:
			case <-ctx.Done():
				outstanding.Done()
				return
			}

		case mode.IsRegular():
			s.add(relPath, FileRecord{
				RelPath: relPath,
				Size:    info.Size(),
				ModTime: info.ModTime(),
				Mode:    mode.Perm(),
			})

		default:
			// Symlinks, sockets, devices. Backups carry file content only.
			s.log.Debug("skipping non-regular file", "path", relPath, "mode", mode.String())
		}
	}
}

func (s *scanner) add(relPath string, rec FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.IsDir {
		s.dirs[relPath] = rec
	} else {
		s.files[relPath] = rec
	}
}

func (s *scanner) recordErr(path, op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, FileError{Path: path, Op: op, Err: err})
}

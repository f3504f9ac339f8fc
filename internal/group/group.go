// Package group defines the storage group: one master tree, one backup
// tree, and the options that govern how they are kept consistent.
package group

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Mode selects the direction content flows in.
type Mode string

const (
	// Mirror treats master as authoritative; backup converges to it.
	Mirror Mode = "mirror"
	// Bidirectional lets changes flow both ways.
	Bidirectional Mode = "bidirectional"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Mirror, Bidirectional:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown sync mode %q (want mirror or bidirectional)", s)
}

// Policy decides what happens to a detected conflict.
type Policy string

const (
	KeepMaster Policy = "keep-master"
	KeepBackup Policy = "keep-backup"
	KeepBoth   Policy = "keep-both"
	Manual     Policy = "manual"
)

// ParsePolicy validates a conflict policy string.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case KeepMaster, KeepBackup, KeepBoth, Manual:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Compression names the pipeline compression algorithm.
type Compression string

const (
	CompressionNone Compression = "none"
	// CompressionZstd is the high-ratio algorithm.
	CompressionZstd Compression = "zstd"
	// CompressionS2 is the fast algorithm.
	CompressionS2 Compression = "s2"
)

// ParseCompression validates a compression algorithm name.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case CompressionNone, CompressionZstd, CompressionS2:
		return Compression(s), nil
	}
	return "", fmt.Errorf("unknown compression algorithm %q (want none, zstd or s2)", s)
}

const (
	// DefaultDebounce is the realtime quiescence window.
	DefaultDebounce = 2 * time.Second
	// DefaultWorkers is the copy worker pool size.
	DefaultWorkers = 4
)

// Group binds a master root and a backup root with per-group options.
type Group struct {
	ID   string
	Name string

	MasterRoot string
	BackupRoot string

	Mode             Mode
	Excludes         []string
	Policy           Policy
	PropagateDeletes bool

	// BandwidthLimit caps transfer bytes/sec across the run; 0 means
	// unlimited.
	BandwidthLimit int64
	Workers        int

	// Compression and Level configure the pipeline; Passphrase enables
	// encryption. Passphrase is resolved at load time from the
	// environment and never written anywhere.
	Compression Compression
	Level       int
	Passphrase  string

	// Schedule is an optional cron expression for periodic runs.
	Schedule string
	// Debounce is the realtime quiescence window; 0 means DefaultDebounce.
	Debounce time.Duration
}

// Validate checks the static parts of the group definition. Root
// existence and permissions are runtime concerns checked at sync time.
func (g *Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	if strings.ContainsAny(g.ID, "/\\ \t") {
		return fmt.Errorf("group id %q must not contain spaces or path separators", g.ID)
	}
	if g.MasterRoot == "" || g.BackupRoot == "" {
		return fmt.Errorf("group %s: master and backup roots are required", g.ID)
	}
	if !filepath.IsAbs(g.MasterRoot) || !filepath.IsAbs(g.BackupRoot) {
		return fmt.Errorf("group %s: roots must be absolute paths", g.ID)
	}
	if g.MasterRoot == g.BackupRoot {
		return fmt.Errorf("group %s: master and backup roots are the same path", g.ID)
	}
	if within(g.MasterRoot, g.BackupRoot) || within(g.BackupRoot, g.MasterRoot) {
		return fmt.Errorf("group %s: master and backup roots must not nest", g.ID)
	}
	if _, err := ParseMode(string(g.Mode)); err != nil {
		return fmt.Errorf("group %s: %w", g.ID, err)
	}
	if _, err := ParsePolicy(string(g.Policy)); err != nil {
		return fmt.Errorf("group %s: %w", g.ID, err)
	}
	if g.Compression != "" {
		if _, err := ParseCompression(string(g.Compression)); err != nil {
			return fmt.Errorf("group %s: %w", g.ID, err)
		}
	}
	if g.Mode == Bidirectional && g.transforming() {
		return fmt.Errorf("group %s: compression/encryption requires mirror mode, the backup is not editable in place", g.ID)
	}
	if g.BandwidthLimit < 0 {
		return fmt.Errorf("group %s: bandwidth limit must be >= 0", g.ID)
	}
	if g.Workers < 0 {
		return fmt.Errorf("group %s: workers must be >= 0", g.ID)
	}
	return nil
}

// transforming reports whether backup copies differ byte-wise from the
// master content.
func (g *Group) transforming() bool {
	if g.Passphrase != "" {
		return true
	}
	return g.Compression != "" && g.Compression != CompressionNone
}

// EffectiveWorkers returns the worker pool size with the default
// applied.
func (g *Group) EffectiveWorkers() int {
	if g.Workers > 0 {
		return g.Workers
	}
	return DefaultWorkers
}

// EffectiveDebounce returns the quiescence window with the default
// applied.
func (g *Group) EffectiveDebounce() time.Duration {
	if g.Debounce > 0 {
		return g.Debounce
	}
	return DefaultDebounce
}

// within reports whether p lies inside root.
func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../") && rel != "."
}

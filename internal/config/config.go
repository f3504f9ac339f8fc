// Package config loads the optional keepsake configuration file:
// [defaults] plus one [[group]] table per storage group.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/keepsakefs/keepsake/internal/group"
)

// File is the on-disk shape of config.toml.
type File struct {
	Defaults Defaults `toml:"defaults"`
	Tables   []Table  `toml:"group"`
}

// Defaults fills group fields their tables leave unset.
type Defaults struct {
	Mode             *string `toml:"mode"`
	Policy           *string `toml:"policy"`
	Workers          *int    `toml:"workers"`
	BWLimit          *string `toml:"bwlimit"`
	PropagateDeletes *bool   `toml:"propagate_deletes"`
	Debounce         *string `toml:"debounce"`
}

// Table is one [[group]] table.
type Table struct {
	ID               string     `toml:"id"`
	Name             string     `toml:"name"`
	Master           string     `toml:"master"`
	Backup           string     `toml:"backup"`
	Mode             string     `toml:"mode"`
	Policy           string     `toml:"policy"`
	Exclude          []string   `toml:"exclude"`
	PropagateDeletes *bool      `toml:"propagate_deletes"`
	BWLimit          string     `toml:"bwlimit"`
	Workers          int        `toml:"workers"`
	Schedule         string     `toml:"schedule"`
	Debounce         string     `toml:"debounce"`
	Compression      string     `toml:"compression"`
	Level            int        `toml:"level"`
	Encryption       Encryption `toml:"encryption"`
}

// Encryption names the key source for the pipeline. The passphrase
// itself never appears in the file; only the environment variable
// holding it does.
type Encryption struct {
	PassphraseEnv string `toml:"passphrase_env"`
}

// Path returns the default config file location.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "keepsake", "config.toml")
}

// StateDir returns the default directory for the tracking database.
func StateDir() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "keepsake")
}

// Load reads the file at path, or the default location when path is
// empty. A missing file at the default location yields an empty File;
// an explicitly named file must exist.
func Load(path string) (*File, error) {
	explicit := path != ""
	if !explicit {
		path = Path()
		if path == "" {
			return &File{}, nil
		}
	}
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return &f, nil
}

// Groups materializes every [[group]] table: defaults applied, size
// and duration strings parsed, passphrases resolved from the
// environment, roots made absolute, and the result validated.
func (f *File) Groups() ([]*group.Group, error) {
	out := make([]*group.Group, 0, len(f.Tables))
	seen := make(map[string]struct{}, len(f.Tables))
	for i := range f.Tables {
		g, err := f.resolve(&f.Tables[i])
		if err != nil {
			return nil, err
		}
		if _, dup := seen[g.ID]; dup {
			return nil, fmt.Errorf("duplicate group id %q", g.ID)
		}
		seen[g.ID] = struct{}{}
		out = append(out, g)
	}
	return out, nil
}

// Lookup materializes the configured group with the given ID.
func (f *File) Lookup(id string) (*group.Group, error) {
	for i := range f.Tables {
		if f.Tables[i].ID == id {
			return f.resolve(&f.Tables[i])
		}
	}
	return nil, fmt.Errorf("unknown group %q (not in %s)", id, Path())
}

func (f *File) resolve(t *Table) (*group.Group, error) {
	d := f.Defaults
	g := &group.Group{
		ID:          t.ID,
		Name:        t.Name,
		MasterRoot:  t.Master,
		BackupRoot:  t.Backup,
		Mode:        group.Mode(t.Mode),
		Policy:      group.Policy(t.Policy),
		Excludes:    t.Exclude,
		Workers:     t.Workers,
		Compression: group.Compression(t.Compression),
		Level:       t.Level,
		Schedule:    t.Schedule,
	}

	if g.Mode == "" && d.Mode != nil {
		g.Mode = group.Mode(*d.Mode)
	}
	if g.Mode == "" {
		g.Mode = group.Mirror
	}
	if g.Policy == "" && d.Policy != nil {
		g.Policy = group.Policy(*d.Policy)
	}
	if g.Policy == "" {
		g.Policy = group.Manual
	}
	if t.PropagateDeletes != nil {
		g.PropagateDeletes = *t.PropagateDeletes
	} else if d.PropagateDeletes != nil {
		g.PropagateDeletes = *d.PropagateDeletes
	}
	if g.Workers == 0 && d.Workers != nil {
		g.Workers = *d.Workers
	}

	bw := t.BWLimit
	if bw == "" && d.BWLimit != nil {
		bw = *d.BWLimit
	}
	if bw != "" {
		n, err := ParseSize(bw)
		if err != nil {
			return nil, fmt.Errorf("group %s: bwlimit: %w", t.ID, err)
		}
		g.BandwidthLimit = n
	}

	deb := t.Debounce
	if deb == "" && d.Debounce != nil {
		deb = *d.Debounce
	}
	if deb != "" {
		dur, err := time.ParseDuration(deb)
		if err != nil || dur <= 0 {
			return nil, fmt.Errorf("group %s: debounce %q: want a positive duration like \"2s\"", t.ID, deb)
		}
		g.Debounce = dur
	}

	if env := t.Encryption.PassphraseEnv; env != "" {
		pass := os.Getenv(env)
		if pass == "" {
			return nil, fmt.Errorf("group %s: passphrase environment variable %s is not set", t.ID, env)
		}
		g.Passphrase = pass
	}

	var err error
	if g.MasterRoot, err = absPath(g.MasterRoot); err != nil {
		return nil, fmt.Errorf("group %s: master: %w", t.ID, err)
	}
	if g.BackupRoot, err = absPath(g.BackupRoot); err != nil {
		return nil, fmt.Errorf("group %s: backup: %w", t.ID, err)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// ParseSize parses human byte sizes: "512k", "10M", "1.5GiB", plain
// digits. SI suffixes are powers of 1000, IEC suffixes powers of 1024.
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q is out of range", s)
	}
	return int64(n), nil
}

// absPath resolves ~ and relative paths. Empty stays empty so
// Validate reports the missing root.
func absPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

// Package staging manages the per-tunnel staging directories the edge
// provider serves from. Each live tunnel owns <root>/<id>/file, a symlink to
// the resolved library file, so tearing a tunnel down never touches the
// library itself.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrIDTaken reports a staging directory that already exists for an ID.
var ErrIDTaken = errors.New("staging directory already exists")

// linkName is the fixed name of the symlink inside a staging directory.
const linkName = "file"

// Area is a staging root directory.
type Area struct {
	root string
}

// Entry describes one staged tunnel directory.
type Entry struct {
	ID      string
	ModTime time.Time
}

// New opens (creating if needed) the staging area rooted at root.
func New(root string) (*Area, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("staging root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("staging root: %w", err)
	}
	return &Area{root: abs}, nil
}

// Root returns the staging root path.
func (a *Area) Root() string {
	return a.root
}

// Dir returns the staging directory path for id.
func (a *Area) Dir(id string) string {
	return filepath.Join(a.root, id)
}

// Stage creates the directory for id and links target into it. It fails with
// ErrIDTaken when the directory already exists, which doubles as the
// collision check for freshly allocated IDs.
func (a *Area) Stage(id, target string) (string, error) {
	dir := a.Dir(id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return "", ErrIDTaken
		}
		return "", fmt.Errorf("stage %s: %w", id, err)
	}
	if err := os.Symlink(target, filepath.Join(dir, linkName)); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("stage %s: %w", id, err)
	}
	return dir, nil
}

// Remove deletes the staging directory for id. Removing an absent directory
// is not an error; teardown paths retry freely.
func (a *Area) Remove(id string) error {
	if err := os.RemoveAll(a.Dir(id)); err != nil {
		return fmt.Errorf("unstage %s: %w", id, err)
	}
	return nil
}

// List returns the staged directories ordered by ID.
func (a *Area) List() ([]Entry, error) {
	dirents, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("list staging: %w", err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: d.Name(), ModTime: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Package library resolves download sources beneath the read-only library
// root. Every requested path is canonicalized and containment-checked before
// use, so neither dot-dot segments nor symlinks inside the library can reach
// files outside it.
package library

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sendonce/sendonce/internal/domain"
)

// Library is the read-only directory files are shared from.
type Library struct {
	root string // absolute, symlinks resolved
}

// File is a resolved library entry.
type File struct {
	Rel  string // library-relative, slash-separated
	Abs  string // absolute path with symlinks resolved
	Size int64
}

// New opens the library rooted at root. The root must exist and be a
// directory.
func New(root string) (*Library, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("library root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("library root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("library root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("library root %s is not a directory", root)
	}
	return &Library{root: resolved}, nil
}

// Root returns the resolved library root.
func (l *Library) Root() string {
	return l.root
}

// Resolve maps a library-relative path to the file it names. It fails with
// ErrPathEscape when the path (or a symlink on it) leaves the root, with
// ErrFileNotFound when nothing is there, and with ErrNotRegularFile for
// directories and special files.
func (l *Library) Resolve(rel string) (File, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return File{}, domain.ErrPathEscape
	}
	joined := filepath.Join(l.root, filepath.FromSlash(rel))
	relative, err := filepath.Rel(l.root, joined)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return File{}, domain.ErrPathEscape
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, domain.ErrFileNotFound
		}
		return File{}, fmt.Errorf("resolve %s: %w", rel, err)
	}
	if resolved != l.root && !strings.HasPrefix(resolved, l.root+string(filepath.Separator)) {
		return File{}, domain.ErrPathEscape
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, domain.ErrFileNotFound
		}
		return File{}, fmt.Errorf("stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return File{}, domain.ErrNotRegularFile
	}

	return File{
		Rel:  filepath.ToSlash(relative),
		Abs:  resolved,
		Size: info.Size(),
	}, nil
}

// List walks the library and returns the relative paths of all regular
// files. Hidden files and directories are skipped. Paths come back in
// lexical order.
func (l *Library) List() ([]string, error) {
	files := []string{}
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == l.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list library: %w", err)
	}
	return files, nil
}

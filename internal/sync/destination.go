package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// ObjectInfo is the destination's view of one file.
type ObjectInfo struct {
	Size    int64
	ModTime time.Time
}

// Destination is a store that batch folders are mirrored into. folder is
// relative to the destination root and rel is slash separated.
type Destination interface {
	// Stat reports whether the file exists and, if so, its size and mtime.
	Stat(ctx context.Context, folder, rel string) (ObjectInfo, bool, error)
	// Put writes the file from r and stamps it with src.ModTime.
	Put(ctx context.Context, folder, rel string, r io.Reader, src FileEntry) error
	Open(ctx context.Context, folder, rel string) (io.ReadCloser, error)
	// Describe renders the location for logs and ledger records.
	Describe(folder, rel string) string
}

// LocalDestination writes under a root directory, usually a mounted drive.
type LocalDestination struct {
	fs   afero.Fs
	root string
}

// NewLocalDestination returns a destination rooted at root.
func NewLocalDestination(fs afero.Fs, root string) *LocalDestination {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &LocalDestination{fs: fs, root: root}
}

func (d *LocalDestination) path(folder, rel string) string {
	return filepath.Join(d.root, folder, filepath.FromSlash(rel))
}

func (d *LocalDestination) Stat(_ context.Context, folder, rel string) (ObjectInfo, bool, error) {
	info, err := d.fs.Stat(d.path(folder, rel))
	if errors.Is(err, os.ErrNotExist) {
		return ObjectInfo{}, false, nil
	}
	if err != nil {
		return ObjectInfo{}, false, err
	}
	if info.IsDir() {
		return ObjectInfo{}, false, fmt.Errorf("%s is a directory", d.path(folder, rel))
	}
	return ObjectInfo{Size: info.Size(), ModTime: info.ModTime()}, true, nil
}

func (d *LocalDestination) Put(_ context.Context, folder, rel string, r io.Reader, src FileEntry) error {
	target := d.path(folder, rel)
	if err := d.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := d.fs.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if !src.ModTime.IsZero() {
		if err := d.fs.Chtimes(target, src.ModTime, src.ModTime); err != nil {
			return fmt.Errorf("preserve timestamps: %w", err)
		}
	}
	return nil
}

func (d *LocalDestination) Open(_ context.Context, folder, rel string) (io.ReadCloser, error) {
	return d.fs.Open(d.path(folder, rel))
}

func (d *LocalDestination) Describe(folder, rel string) string {
	return d.path(folder, rel)
}

package fs

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
)

// SkipFunc reports whether a path found during enumeration should be left out.
// Returning true for a directory skips its whole subtree.
type SkipFunc func(path string, isDir bool) bool

// Resolve converts rawPath to an absolute path and checks that it exists.
func Resolve(rawPath string) (string, os.FileInfo, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", nil, fmt.Errorf("resolving absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", nil, fmt.Errorf("stat path: %w", err)
	}
	return absPath, info, nil
}

// FindFiles discovers regular files under root. Symlinks, devices, pipes and
// sockets are never returned. Unreadable subdirectories are skipped.
func FindFiles(root string, recursive bool, skip SkipFunc) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root)
	}

	var paths []string

	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("reading directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			p := filepath.Join(root, entry.Name())
			if skip != nil && skip(p, false) {
				continue
			}
			paths = append(paths, p)
		}
		return paths, nil
	}

	err = filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			if p != root && errors.Is(err, iofs.ErrPermission) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if p != root && skip != nil && skip(p, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if skip != nil && skip(p, false) {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return paths, nil
}

// FindDirs returns root and, when recursive, every subdirectory not skipped.
func FindDirs(root string, recursive bool, skip SkipFunc) ([]string, error) {
	dirs := []string{root}
	if !recursive {
		return dirs, nil
	}
	err := filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			if p != root {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() || p == root {
			return nil
		}
		if skip != nil && skip(p, true) {
			return filepath.SkipDir
		}
		dirs = append(dirs, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return dirs, nil
}

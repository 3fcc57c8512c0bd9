package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrNoRootMountPoint = errors.New("no root mount point")

// TargetPath returns the host path of path inside the target system.
// Without chroot the target is the host itself, so path is returned as is.
// Nothing is canonicalized, the path may not exist.
func (r Runner) TargetPath(path string) (string, error) {
	if !r.doChroot {
		return path, nil
	}
	if r.rootMountPoint == "" {
		return "", ErrNoRootMountPoint
	}
	return filepath.Join(r.rootMountPoint, path), nil
}

// CreateTargetFile creates a small file inside the target system and
// returns its host path. Existing files are never overwritten.
func (r Runner) CreateTargetFile(path string, contents []byte) (string, error) {
	hostPath, err := r.TargetPath(path)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(hostPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating target file %s: %w", path, err)
	}
	if _, err := f.Write(contents); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing target file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing target file %s: %w", path, err)
	}
	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return hostPath, nil
	}
	return abs, nil
}

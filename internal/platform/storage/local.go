// Package storage keeps uploaded documents (delivery notes, return proofs) on disk.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Local stores files below a root directory. Returned paths are relative to root.
type Local struct {
	root string
}

// NewLocal constructs a Local store. An empty root falls back to a temp directory.
func NewLocal(root string) *Local {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "backoffice-files")
	}
	return &Local{root: root}
}

// Save writes content under folder with a unique name that keeps the original extension.
func (l *Local) Save(ctx context.Context, folder, filename string, content io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	folder = filepath.Clean(strings.TrimSpace(folder))
	if folder == "." || strings.HasPrefix(folder, "..") || filepath.IsAbs(folder) {
		return "", fmt.Errorf("storage: invalid folder %q", folder)
	}
	dir := filepath.Join(l.root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create folder: %w", err)
	}
	name := uuid.NewString() + strings.ToLower(filepath.Ext(filepath.Base(filename)))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("storage: create file: %w", err)
	}
	if _, err := io.Copy(f, content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("storage: close file: %w", err)
	}
	return filepath.ToSlash(filepath.Join(folder, name)), nil
}

// Delete removes a previously saved file. Missing files are not an error.
func (l *Local) Delete(_ context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete: %w", err)
	}
	return nil
}

// Open returns a reader for a stored file. A missing file matches fs.ErrNotExist.
func (l *Local) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	return f, nil
}

func (l *Local) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("storage: invalid path %q", path)
	}
	return filepath.Join(l.root, clean), nil
}

// Package dump stores the intermediate files of data migrations.
package dump

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/foxzi/mailing/internal/config"
)

// ErrNotFound is returned by ReadFile for a missing file
var ErrNotFound = errors.New("dump file not found")

// Storage is a flat file store addressed by slash separated paths
type Storage interface {
	// CleanDir removes every file below dir
	CleanDir(ctx context.Context, dir string) error
	// SaveFile writes data and returns the stored path
	SaveFile(ctx context.Context, name string, data []byte) (string, error)
	ReadFile(ctx context.Context, name string) ([]byte, error)
}

// New returns the storage backend selected in the configuration
func New(ctx context.Context, cfg config.DumpConfig) (Storage, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.Path), nil
	case "s3":
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown dump backend: %s", cfg.Backend)
	}
}

// BaseName returns the file name of a stored path without its extension
func BaseName(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Local stores files below a root directory
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) resolve(name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("invalid dump path: %q", name)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

func (l *Local) CleanDir(_ context.Context, dir string) error {
	full, err := l.resolve(dir)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("failed to clean %s: %w", dir, err)
	}
	return nil
}

func (l *Local) SaveFile(_ context.Context, name string, data []byte) (string, error) {
	full, err := l.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return name, nil
}

func (l *Local) ReadFile(_ context.Context, name string) ([]byte, error) {
	full, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

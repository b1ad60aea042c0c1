// Package cache stores generated CSS artifacts as files under one root.
//
// Layout: <root>/<kind>/[<tenant>/][<group>_]<hash>[.mobile].css
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourorg/ccssgen/pkg/types"
)

// ErrInvalidScope is returned for keys or tenants that would escape the kind root.
var ErrInvalidScope = errors.New("invalid cache scope")

// Resetter clears the pending work of a kind after its files are purged.
type Resetter interface {
	ClearQueue(ctx context.Context, kind types.ArtifactKind) error
	ClearLease(ctx context.Context, name string) error
}

type FileCache struct {
	root     string
	resetter Resetter
	logger   *slog.Logger
}

func New(root string, resetter Resetter, logger *slog.Logger) *FileCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileCache{root: root, resetter: resetter, logger: logger}
}

func (c *FileCache) Root() string { return c.root }

// Path returns the artifact file of key.
func (c *FileCache) Path(kind types.ArtifactKind, key types.VariantKey) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: kind %q", ErrInvalidScope, kind)
	}
	k := string(key)
	if k == "" || strings.Contains(k, "..") || strings.Contains(k, `\`) || strings.HasPrefix(k, "/") {
		return "", fmt.Errorf("%w: key %q", ErrInvalidScope, key)
	}
	return filepath.Join(c.root, string(kind), filepath.FromSlash(k)+".css"), nil
}

// Read returns the artifact of key; ok is false when it does not exist.
func (c *FileCache) Read(kind types.ArtifactKind, key types.VariantKey) (string, bool, error) {
	path, err := c.Path(kind, key)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// Write replaces the artifact of key atomically.
func (c *FileCache) Write(kind types.ArtifactKind, key types.VariantKey, css string) error {
	path, err := c.Path(kind, key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".tmp-*.css")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.WriteString(css); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move artifact into place: %w", err)
	}
	c.logger.Debug("artifact written", "kind", kind, "key", key, "bytes", len(css))
	return nil
}

// Purge removes the artifacts of one tenant, or of every tenant when tenant
// is empty, and then resets the kind's queue and lease.
func (c *FileCache) Purge(ctx context.Context, kind types.ArtifactKind, tenant string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidScope, kind)
	}
	if strings.ContainsAny(tenant, `/\`) || strings.Contains(tenant, "..") {
		return fmt.Errorf("%w: tenant %q", ErrInvalidScope, tenant)
	}
	target := filepath.Join(c.root, string(kind))
	if tenant != "" {
		target = filepath.Join(target, tenant)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("purge %s: %w", target, err)
	}
	c.logger.Info("cache purged", "kind", kind, "tenant", tenant)

	if c.resetter == nil {
		return nil
	}
	if err := c.resetter.ClearQueue(ctx, kind); err != nil {
		return fmt.Errorf("clear %s queue: %w", kind, err)
	}
	if err := c.resetter.ClearLease(ctx, string(kind)); err != nil {
		return fmt.Errorf("clear %s lease: %w", kind, err)
	}
	return nil
}

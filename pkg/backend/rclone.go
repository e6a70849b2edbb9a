package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/telemetria/telemetria/pkg/metrics"

	// Register rclone backends via blank imports.
	_ "github.com/rclone/rclone/backend/azureblob"
	_ "github.com/rclone/rclone/backend/googlecloudstorage"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/s3"
	_ "github.com/rclone/rclone/backend/sftp"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configmap"
	"github.com/rclone/rclone/fs/hash"
	"github.com/rclone/rclone/fs/object"
)

// RcloneBackend wraps an rclone fs.Fs as a Backend.
type RcloneBackend struct {
	name     string
	backType string
	rfs      fs.Fs
}

// NewRcloneBackend creates a backend from config.
// backendType is the rclone backend name (e.g. "azureblob", "s3", "local").
// remotePath is the bucket/container + optional prefix.
// params maps rclone config keys to values.
func NewRcloneBackend(name, backendType, remotePath string, params map[string]string) (*RcloneBackend, error) {
	m := configmap.Simple(params)

	regInfo, err := fs.Find(backendType)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: unknown type %q: %w", backendType, err)
	}

	rfs, err := regInfo.NewFs(context.Background(), name, remotePath, m)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: create %q (%s): %w", name, backendType, err)
	}

	slog.Info("Backend created",
		"component", "backend", "name", name,
		"type", backendType, "path", remotePath,
	)

	return &RcloneBackend{name: name, backType: backendType, rfs: rfs}, nil
}

func (b *RcloneBackend) Name() string { return b.name }
func (b *RcloneBackend) Type() string { return b.backType }

// List returns objects and directories under the given prefix.
func (b *RcloneBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	entries, err := b.rfs.List(ctx, prefix)
	b.observe("list", start, err)
	if err != nil {
		if errors.Is(err, fs.ErrorDirNotFound) {
			return nil, fmt.Errorf("backend %s: List %q: %w", b.name, prefix, ErrNotFound)
		}
		return nil, fmt.Errorf("backend %s: List %q: %w", b.name, prefix, err)
	}

	result := make([]ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		oi := ObjectInfo{
			Path:    entry.Remote(),
			ModTime: entry.ModTime(ctx),
			Size:    entry.Size(),
		}
		if _, ok := entry.(fs.Directory); ok {
			oi.IsDir = true
		}

		// Strip prefix to get just the child name.
		if prefix != "" {
			oi.Path = strings.TrimPrefix(oi.Path, prefix)
			oi.Path = strings.TrimPrefix(oi.Path, "/")
		}

		result = append(result, oi)
	}

	return result, nil
}

// Stat returns info for a single object or directory.
func (b *RcloneBackend) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	start := time.Now()
	obj, err := b.rfs.NewObject(ctx, path)
	b.observe("stat", start, nil) // misses are not errors
	if err == nil {
		return objectInfoFromRclone(ctx, obj), nil
	}

	if errors.Is(err, fs.ErrorIsDir) || errors.Is(err, fs.ErrorNotAFile) {
		return ObjectInfo{Path: path, IsDir: true}, nil
	}

	if errors.Is(err, fs.ErrorObjectNotFound) {
		// Might be a directory; check by listing children.
		entries, listErr := b.rfs.List(ctx, path)
		if listErr == nil && len(entries) > 0 {
			return ObjectInfo{Path: path, IsDir: true}, nil
		}
		return ObjectInfo{}, fmt.Errorf("backend %s: Stat %q: %w", b.name, path, ErrNotFound)
	}

	return ObjectInfo{}, fmt.Errorf("backend %s: Stat %q: %w", b.name, path, err)
}

// Open returns a reader for the entire object.
func (b *RcloneBackend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := b.rfs.NewObject(ctx, path)
	if err != nil {
		if errors.Is(err, fs.ErrorObjectNotFound) {
			return nil, fmt.Errorf("backend %s: Open %q: %w", b.name, path, ErrNotFound)
		}
		return nil, fmt.Errorf("backend %s: Open %q: %w", b.name, path, err)
	}

	rc, err := obj.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend %s: Open %q: %w", b.name, path, err)
	}
	return rc, nil
}

// Write writes data to the given path, replacing any existing object.
func (b *RcloneBackend) Write(ctx context.Context, path string, r io.Reader, size int64) error {
	start := time.Now()
	info := object.NewStaticObjectInfo(path, time.Now(), size, true, nil, nil)
	_, err := b.rfs.Put(ctx, r, info)
	b.observe("write", start, err)
	if err != nil {
		return fmt.Errorf("backend %s: Write %q: %w", b.name, path, err)
	}
	return nil
}

// Close releases resources.
func (b *RcloneBackend) Close() error {
	slog.Info("Backend closed", "component", "backend", "name", b.name)
	return nil
}

func (b *RcloneBackend) observe(op string, start time.Time, err error) {
	metrics.BackendRequestDuration.WithLabelValues(b.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.name, op).Inc()
	}
}

func objectInfoFromRclone(ctx context.Context, obj fs.Object) ObjectInfo {
	oi := ObjectInfo{
		Path:    obj.Remote(),
		Size:    obj.Size(),
		ModTime: obj.ModTime(ctx),
	}
	if h, err := obj.Hash(ctx, hash.MD5); err == nil && h != "" {
		oi.ETag = h
	}
	return oi
}

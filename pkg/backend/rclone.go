package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

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

	"github.com/ofprobe/ofprobe/pkg/config"
)

// RootKey is the backend config key naming the bucket, container or
// directory that archives are written under. It is not passed to rclone.
const RootKey = "root"

// RcloneBackend wraps an rclone fs.Fs as a Backend.
type RcloneBackend struct {
	name     string
	backType string
	rfs      fs.Fs
}

// NewFromConfig creates a backend from one configured remote.
func NewFromConfig(c config.BackendConfig) (*RcloneBackend, error) {
	params := make(map[string]string, len(c.Config))
	for k, v := range c.Config {
		if k != RootKey {
			params[k] = v
		}
	}
	return NewRcloneBackend(c.Name, c.Type, c.Config[RootKey], params)
}

// NewRcloneBackend creates a backend.
// backendType is the rclone backend name (e.g. "s3", "local").
// remotePath is the bucket/container + optional prefix.
// params maps rclone config keys to values.
func NewRcloneBackend(name, backendType, remotePath string, params map[string]string) (*RcloneBackend, error) {
	m := configmap.Simple(params)

	regInfo, err := fs.Find(backendType)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: unknown type %q: %w", backendType, err)
	}

	rfs, err := regInfo.NewFs(context.Background(), name, remotePath, m)
	if err != nil && !errors.Is(err, fs.ErrorIsFile) {
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
	entries, err := b.rfs.List(ctx, prefix)
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

// Stat returns info for a single object.
func (b *RcloneBackend) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	obj, err := b.object(ctx, "Stat", path)
	if err != nil {
		return ObjectInfo{}, err
	}
	oi := ObjectInfo{
		Path:    obj.Remote(),
		Size:    obj.Size(),
		ModTime: obj.ModTime(ctx),
	}
	if h, err := obj.Hash(ctx, hash.MD5); err == nil && h != "" {
		oi.ETag = h
	}
	return oi, nil
}

// Open returns a reader for the entire object.
func (b *RcloneBackend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := b.object(ctx, "Open", path)
	if err != nil {
		return nil, err
	}
	rc, err := obj.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend %s: Open %q: %w", b.name, path, err)
	}
	return rc, nil
}

// Write writes data to the given path.
func (b *RcloneBackend) Write(ctx context.Context, path string, r io.Reader, size int64) error {
	info := object.NewStaticObjectInfo(path, time.Now(), size, true, nil, nil)
	if _, err := b.rfs.Put(ctx, r, info); err != nil {
		return fmt.Errorf("backend %s: Write %q: %w", b.name, path, err)
	}
	return nil
}

// Delete removes an object.
func (b *RcloneBackend) Delete(ctx context.Context, path string) error {
	obj, err := b.object(ctx, "Delete", path)
	if err != nil {
		return err
	}
	if err := obj.Remove(ctx); err != nil {
		return fmt.Errorf("backend %s: Delete %q: %w", b.name, path, err)
	}
	return nil
}

// Close releases resources.
func (b *RcloneBackend) Close() error {
	slog.Info("Backend closed", "component", "backend", "name", b.name)
	return nil
}

func (b *RcloneBackend) object(ctx context.Context, op, path string) (fs.Object, error) {
	obj, err := b.rfs.NewObject(ctx, path)
	if err == nil {
		return obj, nil
	}
	if errors.Is(err, fs.ErrorObjectNotFound) || errors.Is(err, fs.ErrorIsDir) || errors.Is(err, fs.ErrorNotAFile) {
		return nil, fmt.Errorf("backend %s: %s %q: %w", b.name, op, path, ErrNotFound)
	}
	return nil, fmt.Errorf("backend %s: %s %q: %w", b.name, op, path, err)
}

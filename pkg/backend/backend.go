// Package backend wraps rclone remotes used to archive run logs and reports.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/ofprobe/ofprobe/pkg/config"
)

// ErrNotFound is returned when an object or directory does not exist.
var ErrNotFound = errors.New("not found")

// ObjectInfo describes a remote object or directory.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	ETag    string
	IsDir   bool
}

// Backend abstracts a remote storage system.
// Implementations wrap rclone backends.
type Backend interface {
	// Name returns the configured name of this backend.
	Name() string

	// Type returns the backend type (e.g. "s3", "azureblob", "local").
	Type() string

	// List returns objects and directories under the given prefix.
	// Returns direct children only.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Stat returns info for a single object.
	Stat(ctx context.Context, path string) (ObjectInfo, error)

	// Open returns a reader for the entire object.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Write writes data to the given path. Creates or overwrites.
	// size may be -1 when unknown.
	Write(ctx context.Context, path string, r io.Reader, size int64) error

	// Delete removes an object.
	Delete(ctx context.Context, path string) error

	// Close releases resources held by this backend.
	Close() error
}

// Registry manages named backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// FromConfig creates a registry holding one rclone backend per config entry.
func FromConfig(cfgs []config.BackendConfig) (*Registry, error) {
	r := NewRegistry()
	for _, c := range cfgs {
		b, err := NewFromConfig(c)
		if err != nil {
			return nil, multierr.Append(err, r.Close())
		}
		if err := r.Register(b); err != nil {
			return nil, multierr.Combine(err, b.Close(), r.Close())
		}
	}
	return r, nil
}

// Register adds a backend to the registry, keyed by its Name().
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend.Registry: backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend.Registry: backend %q not found", name)
	}
	return b, nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Close closes all registered backends.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for name, b := range r.backends {
		if cerr := b.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("backend %s: %w", name, cerr))
		}
	}
	r.backends = make(map[string]Backend)
	return err
}

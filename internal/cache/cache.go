// Package cache implements the framework's disk-backed, content-addressed
// persistent cache (spec.md §4.4). It is shared by every process on the
// machine. Its one user in this repository is the garbage collector's
// "ran recently" flag, per-provider state that must survive a client
// restart without needing a database.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

const (
	dirMode  os.FileMode = 0700
	fileMode os.FileMode = 0600
)

// Cache is a content-addressed, TTL-expiring blob store rooted at one
// directory. Keys are arbitrary strings; Cache hashes them with xxh3 to a
// filesystem-safe name so callers never have to worry about path
// separators or length limits in their keys (the same reason a CDN or
// build-artifact cache content-addresses blobs instead of using raw names).
type Cache struct {
	dir        string
	expiration time.Duration

	// initOnce guards directory creation so concurrent constructions for
	// the same dir (e.g. two client processes started at once) don't race
	// on MkdirAll.
	initOnce sync.Once
	initErr  error
}

// New returns a Cache rooted at dir with the given entry lifetime. The
// directory is created lazily on first use, idempotently.
func New(dir string, expiration time.Duration) *Cache {
	return &Cache{dir: dir, expiration: expiration}
}

func (c *Cache) ensureDir() error {
	c.initOnce.Do(func() {
		c.initErr = os.MkdirAll(c.dir, dirMode)
	})
	return c.initErr
}

func (c *Cache) pathFor(key string) string {
	sum := xxh3.HashString128(key)
	return filepath.Join(c.dir, fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo))
}

// Get returns the bytes stored under key iff they were written less than
// `expiration` ago. A cache miss (absent or expired) is reported by ok=false
// with a nil error; only I/O errors other than "not exist" are returned.
func (c *Cache) Get(key string) (data []byte, ok bool, err error) {
	if err := c.ensureDir(); err != nil {
		return nil, false, err
	}

	path := c.pathFor(key)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if c.expiration > 0 && time.Since(info.ModTime()) > c.expiration {
		return nil, false, nil
	}

	data, err = os.ReadFile(path)
	if os.IsNotExist(err) {
		// Raced with a concurrent Clear(); treat as a miss.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set writes data under key. Readers never observe a torn write: Set writes
// to a fresh temp file in the same directory (so the rename is same-
// filesystem and therefore atomic) and renames it into place last.
func (c *Cache) Set(key string, data []byte) error {
	if err := c.ensureDir(); err != nil {
		return err
	}

	path := c.pathFor(key)
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cache: write temp file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cache: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: rename into place: %w", err)
	}
	return nil
}

// Clear deletes every entry. If recreate is true the (now empty) directory
// is recreated so subsequent Get/Set calls don't pay the MkdirAll cost
// again under a fresh initOnce.
func (c *Cache) Clear(recreate bool) error {
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	c.initOnce = sync.Once{}
	c.initErr = nil
	if recreate {
		return c.ensureDir()
	}
	return nil
}

// Dir returns the root directory, mostly for tests and diagnostics.
func (c *Cache) Dir() string { return c.dir }

package fetch

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

// Cache is a local, digest-keyed cache of fetched artifacts: content
// lives on disk named by its hash, independent of the reference that
// produced it.
type Cache struct {
	dir string
	mu  sync.RWMutex
}

func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "fetch: create cache dir")
	}
	return &Cache{dir: dir}, nil
}

func digestHex(data []byte) string {
	h := xxhash.New64()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(digest string) string {
	return filepath.Join(c.dir, digest[:2], digest)
}

func (c *Cache) Get(digest string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := os.ReadFile(c.path(digest))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) Put(digest string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.path(digest)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// Keys lists every digest currently cached, using the same recursive
// walk library the provider-archive verifier uses.
func (c *Cache) Keys() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	err := godirwalk.Walk(c.dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsRegular() {
				out = append(out, filepath.Base(path))
			}
			return nil
		},
		Unsorted:            true,
		FollowSymbolicLinks: false,
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}

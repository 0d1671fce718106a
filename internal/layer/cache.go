package layer

import (
	"os"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Cache is the on-disk layer cache shared across builds. It is append-only:
// a completed layer is never mutated or replaced, and within one build the
// cache is only read for keys computed before the build started writing.
type Cache struct {
	root string
}

// OpenCache opens (creating if needed) a cache rooted at dir.
func OpenCache(dir string) (*Cache, error) {
	layersDir := filepath.Join(dir, "layers")
	if err := os.MkdirAll(layersDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create cache dir")
	}

	return &Cache{root: dir}, nil
}

func (c *Cache) layerPath(key string) string {
	return filepath.Join(c.root, "layers", key+".tgz")
}

// Get returns the cached layer for key, if present.
func (c *Cache) Get(key string) (v1.Layer, bool, error) {
	path := c.layerPath(key)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "stat cached layer %s", key)
	}

	l, err := tarball.LayerFromFile(path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "open cached layer %s", key)
	}

	logrus.Debugf("layer cache hit for %s", key)
	return l, true, nil
}

// Put stores a layer under key. An existing entry wins: identical keys mean
// identical inputs, so the first completed layer is kept.
func (c *Cache) Put(key string, l v1.Layer) error {
	path := c.layerPath(key)

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	rc, err := l.Compressed()
	if err != nil {
		return errors.Wrapf(err, "read layer %s", key)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return errors.Wrap(err, "create cache temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.ReadFrom(rc); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write cached layer %s", key)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close cache temp file")
	}

	// rename, so a crashed build never leaves a half-written entry
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "commit cached layer %s", key)
	}

	logrus.Debugf("layer cache store for %s", key)
	return nil
}

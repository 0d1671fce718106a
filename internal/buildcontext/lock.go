package buildcontext

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// LockFile is the frozen resolution of the manifest. It is the only input
// the dependency-install step reads; the manifest never reaches the
// resolver at build time.
const LockFile = "asgipack.lock"

// Lock records the exact artifact set a resolver produced from one specific
// manifest: every package pinned to a version, a wheel URL and a sha256.
type Lock struct {
	Version  int `toml:"version"`
	Metadata struct {
		// ContentHash is the Manifest.ContentHash of the manifest this lock
		// was resolved from.
		ContentHash string `toml:"content-hash"`
	} `toml:"metadata"`
	Packages []LockedPackage `toml:"package"`
}

// LockedPackage is one pinned distribution.
type LockedPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	URL     string `toml:"url"`
	SHA256  string `toml:"sha256"`
}

func LoadLock(path string) (Lock, error) {
	var l Lock
	if _, err := toml.DecodeFile(path, &l); err != nil {
		return Lock{}, errors.Wrap(err, "decode lock")
	}

	if l.Version != 1 {
		return Lock{}, errors.Errorf("lock: unsupported version %d", l.Version)
	}

	for _, pkg := range l.Packages {
		if pkg.Name == "" || pkg.Version == "" || pkg.URL == "" || pkg.SHA256 == "" {
			return Lock{}, errors.Errorf("lock: package %q is missing a pin field", pkg.Name)
		}
	}

	return l, nil
}

// Package looks up a pinned package by canonical name.
func (l Lock) Package(name string) (LockedPackage, bool) {
	name = CanonicalName(name)
	for _, pkg := range l.Packages {
		if CanonicalName(pkg.Name) == name {
			return pkg, true
		}
	}
	return LockedPackage{}, false
}

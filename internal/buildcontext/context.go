package buildcontext

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ConsistencyError marks a lock file that is absent or does not match the
// manifest. It is never downgraded: the frozen-install policy refuses to
// re-resolve, so the build aborts before anything else happens.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string {
	return "lock inconsistency: " + e.Reason
}

// IsConsistencyError reports whether err (or anything it wraps) is a
// ConsistencyError.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// Context is the set of files made available to the builder: the source
// tree, the dependency manifest and its lock.
type Context struct {
	Dir string

	Manifest Manifest
	Lock     Lock
}

// Load reads the manifest and lock out of a context directory. A missing
// lock is a consistency error, not a cue to resolve: the build must fail
// deterministically rather than silently install unpinned versions.
func Load(dir string) (Context, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Context{}, errors.Wrap(err, "resolve context dir")
	}

	manifest, err := LoadManifest(filepath.Join(abs, ManifestFile))
	if err != nil {
		return Context{}, errors.Wrapf(err, "load %s", ManifestFile)
	}

	lockPath := filepath.Join(abs, LockFile)
	if _, err := os.Stat(lockPath); err != nil {
		return Context{}, &ConsistencyError{Reason: fmt.Sprintf("%s not found in context", LockFile)}
	}

	lock, err := LoadLock(lockPath)
	if err != nil {
		return Context{}, errors.Wrapf(err, "load %s", LockFile)
	}

	return Context{Dir: abs, Manifest: manifest, Lock: lock}, nil
}

// Verify checks that the lock was resolved from this exact manifest and
// covers every declared dependency. It must pass before the dependency
// install step runs.
func (c Context) Verify() error {
	if got, want := c.Lock.Metadata.ContentHash, c.Manifest.ContentHash(); got != want {
		return &ConsistencyError{Reason: fmt.Sprintf(
			"lock content-hash %s does not match manifest %s, re-run the resolver", got, want)}
	}

	for _, req := range c.Manifest.Requirements() {
		pkg, ok := c.Lock.Package(req.Name)
		if !ok {
			return &ConsistencyError{Reason: fmt.Sprintf("dependency %s is not pinned in the lock", req.Name)}
		}
		if req.Pinned != "" && pkg.Version != req.Pinned {
			return &ConsistencyError{Reason: fmt.Sprintf(
				"dependency %s locked at %s but manifest requires ==%s", req.Name, pkg.Version, req.Pinned)}
		}
	}

	return nil
}

// ManifestPath and LockPath locate the two pin files inside the context.
func (c Context) ManifestPath() string { return filepath.Join(c.Dir, ManifestFile) }
func (c Context) LockPath() string     { return filepath.Join(c.Dir, LockFile) }

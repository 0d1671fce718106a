package pydeps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/seyoung4503/asgipack/internal/buildcontext"
)

// Installer materializes the frozen dependency set described by a lock file
// into a site-packages tree. It never consults the manifest: the lock is
// the complete, exact input, so two installs from the same lock produce
// identical trees.
type Installer struct {
	Fetcher Fetcher
}

// Install fetches every pinned wheel, verifies it against the locked
// sha256, and unpacks it under root at sitePackages. Packages are processed
// in canonical-name order so the resulting tree does not depend on lock
// file ordering.
func (in *Installer) Install(ctx context.Context, lock buildcontext.Lock, root, sitePackages string) error {
	dest := filepath.Join(root, filepath.FromSlash(sitePackages))
	if err := os.MkdirAll(dest, 0755); err != nil {
		return errors.Wrap(err, "create site-packages")
	}

	pkgs := make([]buildcontext.LockedPackage, len(lock.Packages))
	copy(pkgs, lock.Packages)
	sort.Slice(pkgs, func(i, j int) bool {
		return buildcontext.CanonicalName(pkgs[i].Name) < buildcontext.CanonicalName(pkgs[j].Name)
	})

	for _, pkg := range pkgs {
		if err := ctx.Err(); err != nil {
			return err
		}

		logrus.Infof("installing %s %s", pkg.Name, pkg.Version)

		wheel, err := in.fetchVerified(ctx, pkg)
		if err != nil {
			return err
		}

		err = extractWheel(wheel, dest)
		os.Remove(wheel)
		if err != nil {
			return errors.Wrapf(err, "unpack %s", pkg.Name)
		}
	}

	return nil
}

// fetchVerified downloads one wheel to a temp file, hashing as it writes,
// and refuses anything whose digest differs from the lock. A mismatch means
// the artifact is not the one the resolver saw, and nothing is installed.
func (in *Installer) fetchVerified(ctx context.Context, pkg buildcontext.LockedPackage) (string, error) {
	body, _, err := in.Fetcher.Fetch(ctx, pkg)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", "asgipack-wheel-*.whl")
	if err != nil {
		return "", errors.Wrap(err, "create wheel temp file")
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "download %s", pkg.Name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "close wheel temp file")
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != pkg.SHA256 {
		os.Remove(tmp.Name())
		return "", errors.Errorf("wheel %s %s: sha256 %s does not match locked %s",
			pkg.Name, pkg.Version, got, pkg.SHA256)
	}

	return tmp.Name(), nil
}

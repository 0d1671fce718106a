package pydeps

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// extractWheel unpacks a wheel archive into the site-packages directory.
// Wheels are plain zip files whose top-level entries are importable package
// directories plus the dist-info metadata; both go straight into
// site-packages.
func extractWheel(wheelPath, sitePackages string) error {
	r, err := zip.OpenReader(wheelPath)
	if err != nil {
		return errors.Wrap(err, "open wheel")
	}
	defer r.Close()

	root := filepath.Clean(sitePackages)

	for _, f := range r.File {
		name := filepath.ToSlash(f.Name)

		if strings.HasPrefix(name, "/") {
			return errors.Errorf("wheel entry %q escapes the install root", f.Name)
		}

		// Join cleans the path, so a traversal entry resolves outside root.
		// Names that merely contain dots (pkg..name.py) stay inside and are
		// legitimate.
		dest := filepath.Join(root, filepath.FromSlash(name))
		if dest != root && !strings.HasPrefix(dest, root+string(filepath.Separator)) {
			return errors.Errorf("wheel entry %q escapes the install root", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return errors.Wrapf(err, "mkdir %s", name)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return errors.Wrapf(err, "mkdir parent of %s", name)
		}

		if err := extractFile(f, dest); err != nil {
			return errors.Wrapf(err, "extract %s", name)
		}
	}

	return nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

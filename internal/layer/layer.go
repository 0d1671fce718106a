package layer

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/pkg/errors"
)

// Kind names the build instruction that produced a layer. Together with the
// hash of the instruction's inputs it forms the cache key.
type Kind string

const (
	KindManifest Kind = "copy-manifest"
	KindDeps     Kind = "install-dependencies"
	KindSource   Kind = "copy-source"
)

// epoch is the fixed timestamp stamped on every tar entry so that identical
// inputs produce byte-identical layers no matter when they are built.
var epoch = time.Unix(0, 0)

// Key derives the cache key for one instruction over one input hash.
// Identical (instruction, input-hash) pairs must map to the same key, which
// is what makes rebuilds deterministic.
func Key(kind Kind, inputHash string) string {
	h := sha256.Sum256([]byte(string(kind) + "\n" + inputHash))
	return hex.EncodeToString(h[:])[:32]
}

// Include filters the context tree. It receives slash-separated paths
// relative to the tree root.
type Include func(rel string) bool

// HashTree hashes the selected part of a file tree: relative path, file
// mode, regular-file content and symlink targets, in sorted path order. It
// must cover everything FromDir writes into a layer, or the cache would
// serve stale layers.
func HashTree(root string, include Include) (string, error) {
	rels, err := collect(root, include)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, rel := range rels {
		path := filepath.Join(root, filepath.FromSlash(rel))

		info, err := os.Lstat(path)
		if err != nil {
			return "", errors.Wrapf(err, "stat %s", rel)
		}

		io.WriteString(h, rel+"\n")
		io.WriteString(h, info.Mode().String()+"\n")

		switch {
		case info.Mode().IsRegular():
			f, err := os.Open(path)
			if err != nil {
				return "", errors.Wrapf(err, "open %s", rel)
			}
			if _, err := io.Copy(h, f); err != nil {
				f.Close()
				return "", errors.Wrapf(err, "hash %s", rel)
			}
			f.Close()

		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return "", errors.Wrapf(err, "readlink %s", rel)
			}
			io.WriteString(h, target+"\n")
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// FromDir builds an immutable layer from the selected part of a file tree,
// rooted at prefix inside the image filesystem. Entries are written in
// sorted order with zeroed timestamps and ownership, so the layer digest is
// a pure function of the inputs.
func FromDir(root string, include Include, prefix string) (v1.Layer, error) {
	rels, err := collect(root, include)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	prefix = strings.Trim(prefix, "/")
	seen := map[string]bool{}

	writeDir := func(dir string) error {
		if dir == "" || dir == "." || seen[dir] {
			return nil
		}
		seen[dir] = true
		return tw.WriteHeader(&tar.Header{
			Name:     dir + "/",
			Typeflag: tar.TypeDir,
			Mode:     0755,
			ModTime:  epoch,
		})
	}

	if prefix != "" {
		parts := strings.Split(prefix, "/")
		for i := range parts {
			if err := writeDir(strings.Join(parts[:i+1], "/")); err != nil {
				return nil, errors.Wrap(err, "write prefix dir")
			}
		}
	}

	for _, rel := range rels {
		path := filepath.Join(root, filepath.FromSlash(rel))

		info, err := os.Lstat(path)
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", rel)
		}

		dest := rel
		if prefix != "" {
			dest = prefix + "/" + rel
		}

		if err := ensureParents(tw, dest, writeDir); err != nil {
			return nil, err
		}

		switch {
		case info.Mode().IsDir():
			if err := writeDir(dest); err != nil {
				return nil, errors.Wrapf(err, "write dir %s", dest)
			}

		case info.Mode().IsRegular():
			hdr := &tar.Header{
				Name:     dest,
				Typeflag: tar.TypeReg,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
				ModTime:  epoch,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, errors.Wrapf(err, "write header %s", dest)
			}

			f, err := os.Open(path)
			if err != nil {
				return nil, errors.Wrapf(err, "open %s", rel)
			}
			if _, err := io.Copy(tw, f); err != nil {
				f.Close()
				return nil, errors.Wrapf(err, "copy %s", rel)
			}
			f.Close()

		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return nil, errors.Wrapf(err, "readlink %s", rel)
			}
			hdr := &tar.Header{
				Name:     dest,
				Typeflag: tar.TypeSymlink,
				Linkname: target,
				Mode:     0777,
				ModTime:  epoch,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, errors.Wrapf(err, "write symlink %s", dest)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "close tar")
	}

	content := buf.Bytes()
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	})
}

func ensureParents(tw *tar.Writer, dest string, writeDir func(string) error) error {
	dir := filepath.ToSlash(filepath.Dir(dest))
	if dir == "." || dir == "/" {
		return nil
	}

	parts := strings.Split(dir, "/")
	for i := range parts {
		if err := writeDir(strings.Join(parts[:i+1], "/")); err != nil {
			return errors.Wrapf(err, "write parent dir of %s", dest)
		}
	}
	return nil
}

// collect walks the tree and returns the sorted, slash-separated relative
// paths selected by include. Directories are included so empty ones
// survive into the layer.
func collect(root string, include Include) ([]string, error) {
	var rels []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if include != nil && !include(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", root)
	}

	sort.Strings(rels)
	return rels, nil
}

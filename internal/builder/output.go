package builder

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/concourse/go-archive/tarfs"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/seyoung4503/asgipack/internal/descriptor"
)

// ImageMetadata is written next to the image tarball so a process
// supervisor can launch the image without parsing the OCI config.
type ImageMetadata struct {
	Env        []string `json:"env"`
	User       string   `json:"user"`
	Entrypoint []string `json:"entrypoint"`
	WorkingDir string   `json:"working_dir"`
	Port       int      `json:"port"`
}

// Tag derives the local reference the image tarball is written under.
func Tag(projectName, version string) (name.Tag, error) {
	if version == "" {
		version = "0.0.0"
	}
	return name.NewTag("asgipack.local/" + projectName + ":" + version)
}

// WriteOutputs publishes a finalized image into dest: image.tar, a digest
// file, and metadata.json. Everything is staged in a sibling temp dir and
// renamed into place last, so a failed build never leaves a partial image.
func WriteOutputs(img v1.Image, cfg descriptor.Config, tag name.Tag, dest string, unpackRootfs bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrap(err, "create output parent")
	}

	staging, err := os.MkdirTemp(filepath.Dir(dest), ".asgipack-out-*")
	if err != nil {
		return errors.Wrap(err, "create output staging dir")
	}
	defer os.RemoveAll(staging)

	err = tarball.WriteToFile(filepath.Join(staging, "image.tar"), tag, img)
	if err != nil {
		return errors.Wrap(err, "write image tarball")
	}

	if err := writeDigest(staging, img); err != nil {
		return err
	}

	if err := writeImageMetadata(filepath.Join(staging, "metadata.json"), img, cfg); err != nil {
		return err
	}

	if unpackRootfs {
		logrus.Info("unpacking image")
		if err := unpackImage(filepath.Join(staging, "rootfs"), img); err != nil {
			return errors.Wrap(err, "unpack rootfs")
		}
	}

	if err := os.RemoveAll(dest); err != nil {
		return errors.Wrap(err, "clear previous output")
	}
	if err := os.Rename(staging, dest); err != nil {
		return errors.Wrap(err, "commit outputs")
	}

	return nil
}

func writeDigest(dest string, image v1.Image) error {
	digestPath := filepath.Join(dest, "digest")

	manifest, err := image.Manifest()
	if err != nil {
		return errors.Wrap(err, "get image digest")
	}

	err = os.WriteFile(digestPath, []byte(manifest.Config.Digest.String()), 0644)
	if err != nil {
		return errors.Wrap(err, "write digest file")
	}

	return nil
}

func writeImageMetadata(metadataPath string, image v1.Image, dcfg descriptor.Config) error {
	cf, err := image.ConfigFile()
	if err != nil {
		return errors.Wrap(err, "load image config")
	}

	meta, err := os.Create(metadataPath)
	if err != nil {
		return errors.Wrap(err, "create metadata file")
	}

	err = json.NewEncoder(meta).Encode(ImageMetadata{
		Env:        cf.Config.Env,
		User:       cf.Config.User,
		Entrypoint: cf.Config.Entrypoint,
		WorkingDir: cf.Config.WorkingDir,
		Port:       dcfg.Port,
	})
	if err != nil {
		meta.Close()
		return errors.Wrap(err, "encode metadata")
	}

	err = meta.Close()
	if err != nil {
		return errors.Wrap(err, "close meta")
	}

	return nil
}

// unpackImage extracts the flattened image filesystem. mutate.Extract
// applies whiteouts across layers, so the result is the filesystem the
// launched process would see.
func unpackImage(dest string, image v1.Image) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return errors.Wrap(err, "create rootfs dir")
	}

	rc := mutate.Extract(image)
	defer rc.Close()

	return tarfs.Extract(rc, dest)
}

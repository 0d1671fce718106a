package commands

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/concourse/go-archive/tarfs"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seyoung4503/asgipack/internal/builder"
)

var exportDest string

var ExportCmd = &cobra.Command{
	Use:   "export <image.tar>",
	Short: "Unpack a built image tarball into a rootfs plus metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := tarball.ImageFromPath(args[0], nil)
		if err != nil {
			return errors.Wrap(err, "open image tarball")
		}

		rootfsDir := filepath.Join(exportDest, "rootfs")
		if err := os.MkdirAll(rootfsDir, 0755); err != nil {
			return errors.Wrap(err, "create rootfs dir")
		}

		logrus.Info("unpacking image")

		rc := mutate.Extract(image)
		defer rc.Close()

		if err := tarfs.Extract(rc, rootfsDir); err != nil {
			return errors.Wrap(err, "unpack image")
		}

		cf, err := image.ConfigFile()
		if err != nil {
			return errors.Wrap(err, "load image config")
		}

		meta, err := os.Create(filepath.Join(exportDest, "metadata.json"))
		if err != nil {
			return errors.Wrap(err, "create metadata file")
		}
		defer meta.Close()

		return json.NewEncoder(meta).Encode(builder.ImageMetadata{
			Env:        cf.Config.Env,
			User:       cf.Config.User,
			Entrypoint: cf.Config.Entrypoint,
			WorkingDir: cf.Config.WorkingDir,
		})
	},
}

func init() {
	ExportCmd.Flags().StringVarP(&exportDest, "dest", "C", ".", "directory to export into")
}

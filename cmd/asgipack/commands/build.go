package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/u-root/u-root/pkg/termios"
	"github.com/vbauerster/mpb/v8"

	"github.com/seyoung4503/asgipack/internal/buildcontext"
	"github.com/seyoung4503/asgipack/internal/builder"
	"github.com/seyoung4503/asgipack/internal/descriptor"
	"github.com/seyoung4503/asgipack/internal/layer"
	"github.com/seyoung4503/asgipack/internal/pydeps"
	"github.com/seyoung4503/asgipack/internal/registry"
)

var (
	buildDescriptorPath string
	buildOutputDir      string
	buildUnpackRootfs   bool
)

var BuildCmd = &cobra.Command{
	Use:   "build [context-dir]",
	Short: "Build a reproducible image from a build context",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contextDir := "."
		if len(args) == 1 {
			contextDir = args[0]
		}

		// limit max columns; CI systems set a super high value and the
		// progress bars happily fill the whole screen with whitespace
		if ws, err := termios.GetWinSize(os.Stdout.Fd()); err == nil && ws.Col > 100 {
			ws.Col = 100
			if err := termios.SetWinSize(os.Stdout.Fd(), ws); err != nil {
				logrus.Warn("failed to set window size:", err)
			}
		}

		descriptorPath := buildDescriptorPath
		if descriptorPath == "" {
			descriptorPath = filepath.Join(contextDir, descriptor.DefaultFile)
		}

		cfg, err := descriptor.Load(descriptorPath)
		if err != nil {
			return err
		}

		bctx, err := buildcontext.Load(contextDir)
		if err != nil {
			return err
		}

		cache, err := layer.OpenCache(viper.GetString("cache-dir"))
		if err != nil {
			return err
		}

		fetcher := &pydeps.HTTPFetcher{}
		if isatty.IsTerminal(os.Stdout.Fd()) {
			fetcher.Progress = mpb.New(mpb.WithWidth(64))
		}

		opts := []builder.Option{builder.WithFetcher(fetcher)}
		if len(cfg.Preload) > 0 {
			preloaded, err := registry.Load(cfg.Preload)
			if err != nil {
				return err
			}
			opts = append(opts, builder.WithResolver(&registry.Resolver{Registry: preloaded}))
		}

		b := builder.New(cfg, bctx, cache, opts...)

		img, err := b.Run(cmd.Context())
		if fetcher.Progress != nil {
			fetcher.Progress.Wait()
		}
		if err != nil {
			return err
		}

		tag, err := builder.Tag(bctx.Manifest.Project.Name, bctx.Manifest.Project.Version)
		if err != nil {
			return err
		}

		err = builder.WriteOutputs(img, cfg, tag, buildOutputDir, buildUnpackRootfs)
		if err != nil {
			return err
		}

		digest, err := img.Digest()
		if err != nil {
			return err
		}

		color.Green("built %s (%s)", tag.String(), digest.String())
		fmt.Println("outputs written to", buildOutputDir)

		return nil
	},
}

func init() {
	BuildCmd.Flags().StringVarP(&buildDescriptorPath, "descriptor", "d", "", "path to the build descriptor (default <context>/"+descriptor.DefaultFile+")")
	BuildCmd.Flags().StringVarP(&buildOutputDir, "output", "o", "image", "directory to write image.tar, digest and metadata.json into")
	BuildCmd.Flags().BoolVar(&buildUnpackRootfs, "unpack-rootfs", false, "also unpack the flattened rootfs into the output directory")
}

package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/seyoung4503/asgipack/internal/registry"
)

var ServeCmd = &cobra.Command{
	Use:   "serve name=image.tar [name=image.tar ...]",
	Short: "Serve built image tarballs from a loopback registry",
	Long: `Serve loads image tarballs into an in-process registry bound to a
loopback port so a local container runtime can pull them, e.g.

  asgipack serve app=image/image.tar
  docker run 127.0.0.1:<port>/app:preloaded`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		images := map[string]string{}
		for _, arg := range args {
			segs := strings.SplitN(arg, "=", 2)
			if len(segs) != 2 {
				return errors.Errorf("argument %q is not in name=path form", arg)
			}
			images[segs[0]] = filepath.Clean(segs[1])
		}

		reg, err := registry.Load(images)
		if err != nil {
			return err
		}

		host, shutdown, err := registry.Serve(reg)
		if err != nil {
			return err
		}
		defer shutdown()

		for name := range images {
			color.Green("serving %s/%s:preloaded", host, name)
		}
		fmt.Println("press ctrl-c to stop")

		<-cmd.Context().Done()
		return nil
	},
}

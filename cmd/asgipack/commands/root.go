package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var RootCmd = &cobra.Command{
	Use:   "asgipack",
	Short: "Reproducible image builds for ASGI applications",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
	SilenceUsage: true,
}

func Execute(ctx context.Context) error {
	return RootCmd.ExecuteContext(ctx)
}

func init() {
	RootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	RootCmd.PersistentFlags().String("cache-dir", defaultCacheDir(), "layer cache directory")

	viper.SetEnvPrefix("asgipack")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("cache-dir", RootCmd.PersistentFlags().Lookup("cache-dir"))

	RootCmd.AddCommand(BuildCmd)
	RootCmd.AddCommand(ExportCmd)
	RootCmd.AddCommand(ServeCmd)
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "asgipack")
	}
	return ".asgipack-cache"
}

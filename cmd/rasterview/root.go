package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tingold/rasterstream"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rasterview",
	Short: "Stream georeferenced rasters at the resolution a viewport needs",
	Long: `rasterview reads Cloud Optimized GeoTIFFs, XYZ tile services and
world-file referenced images, picking the pyramid level that matches the
requested viewport.

Examples:
  # Describe a raster
  rasterview info ortho.tif

  # Render a viewport given in web mercator meters
  rasterview render ortho.tif --bbox 1820000,6140000,1822000,6142000 --ppu 0.5 -o view.png

  # Render a viewport of a tile service given in longitude/latitude
  rasterview render 'https://tile.openstreetmap.org/{z}/{x}/{y}.png' --lonlat --bbox 16.3,48.18,16.4,48.23 --ppu 0.05 -o vienna.png -w

  # Thumbnail of an aerial image with contrast stretch
  rasterview thumb aerial.jpg --width 500 --enhance minmax -o thumb.png

  # Serve frames over HTTP
  rasterview serve ortho.tif --port 8080`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	def := rasterstream.DefaultOptions()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rasterview.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().Duration("http-timeout", def.HTTPTimeout, "timeout of web requests (at least 1s)")
	rootCmd.PersistentFlags().String("user-agent", def.UserAgent, "HTTP User-Agent header")
	rootCmd.PersistentFlags().Int("workers", def.Workers, "concurrent thumbnail fetches")
	rootCmd.PersistentFlags().Duration("join-timeout", def.JoinTimeout, "how long to wait for a stream worker to stop")
	rootCmd.PersistentFlags().Int64("tile-cache-size", def.TileCacheSize, "decoded tiles kept in memory per raster")
	rootCmd.PersistentFlags().Int("thumbnail-width", def.ThumbnailWidth, "default thumbnail width in pixels")
	rootCmd.PersistentFlags().Int("scene-epsg", def.SceneEPSG, "EPSG code every loaded raster must use")
	rootCmd.PersistentFlags().Int("image-epsg", def.SceneEPSG, "EPSG code of images referenced by a world file")

	for _, name := range []string{
		"log-level", "http-timeout", "user-agent", "workers", "join-timeout",
		"tile-cache-size", "thumbnail-width", "scene-epsg", "image-epsg",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".rasterview")
	}

	viper.SetEnvPrefix("RASTERVIEW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// options builds library options from flags, environment and config file.
func options() (rasterstream.Options, error) {
	log, err := newLogger()
	if err != nil {
		return rasterstream.Options{}, err
	}
	opts := rasterstream.DefaultOptions()
	opts.Logger = log
	opts.HTTPTimeout = viper.GetDuration("http-timeout")
	opts.UserAgent = viper.GetString("user-agent")
	opts.Workers = viper.GetInt("workers")
	opts.JoinTimeout = viper.GetDuration("join-timeout")
	opts.TileCacheSize = viper.GetInt64("tile-cache-size")
	opts.ThumbnailWidth = viper.GetInt("thumbnail-width")
	opts.SceneEPSG = viper.GetInt("scene-epsg")
	opts.ImageEPSG = viper.GetInt("image-epsg")
	return opts, nil
}

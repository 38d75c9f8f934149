package main

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tingold/rasterstream"
)

var thumbCmd = &cobra.Command{
	Use:   "thumb <path>",
	Short: "Write a thumbnail of an image",
	Args:  cobra.ExactArgs(1),
	RunE:  runThumb,
}

func init() {
	rootCmd.AddCommand(thumbCmd)

	thumbCmd.Flags().Int("width", 0, "thumbnail width (default: --thumbnail-width)")
	thumbCmd.Flags().String("enhance", "none", "contrast enhancement (none|minmax|histogram)")
	thumbCmd.Flags().Float64("rotate", 0, "counter-clockwise rotation in degrees")
	thumbCmd.Flags().String("crop", "", "pixel region as 'minx,miny,maxx,maxy'")
	thumbCmd.Flags().StringP("output", "o", "thumb.png", "output file")

	viper.BindPFlag("thumb.width", thumbCmd.Flags().Lookup("width"))
	viper.BindPFlag("thumb.enhance", thumbCmd.Flags().Lookup("enhance"))
	viper.BindPFlag("thumb.rotate", thumbCmd.Flags().Lookup("rotate"))
	viper.BindPFlag("thumb.crop", thumbCmd.Flags().Lookup("crop"))
	viper.BindPFlag("thumb.output", thumbCmd.Flags().Lookup("output"))
}

func runThumb(cmd *cobra.Command, args []string) error {
	opts, err := options()
	if err != nil {
		return err
	}
	enh, err := rasterstream.ParseEnhancement(viper.GetString("thumb.enhance"))
	if err != nil {
		return err
	}
	req := rasterstream.FetchRequest{
		ObjectID:    filepath.Base(args[0]),
		SourcePath:  args[0],
		Rotation:    viper.GetFloat64("thumb.rotate"),
		Enhancement: enh,
		Width:       viper.GetInt("thumb.width"),
	}
	if s := viper.GetString("thumb.crop"); s != "" {
		var r rasterstream.PixelRect
		if _, err := fmt.Sscanf(s, "%d,%d,%d,%d", &r.MinX, &r.MinY, &r.MaxX, &r.MaxY); err != nil {
			return fmt.Errorf("invalid crop %q: %w", s, err)
		}
		req.Crop = &r
	}

	done := make(chan *image.RGBA, 1)
	failed := make(chan error, 1)
	opts.OnFetchError = func(_ string, err error) { failed <- err }
	pool := rasterstream.NewFetchPool(rasterstream.NewThumbnailFetcher(opts),
		func(_ rasterstream.FetchToken, img *image.RGBA) { done <- img }, opts)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	pool.Request(req)
	select {
	case img := <-done:
		return writeFrame(rasterstream.Frame{Image: img}, viper.GetString("thumb.output"), false)
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"time"

	"github.com/paulmach/orb/project"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tingold/rasterstream"
	"github.com/tingold/rasterstream/internal/server"
)

var renderCmd = &cobra.Command{
	Use:   "render <locator>",
	Short: "Render one viewport of a raster to PNG",
	Long: `render loads the raster into a session, requests a single viewport from
its stream worker and writes the first frame it produces.`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().String("bbox", "", "viewport as 'minx,miny,maxx,maxy' in scene units (required)")
	renderCmd.Flags().Bool("lonlat", false, "bbox is given in longitude/latitude and converted to web mercator")
	renderCmd.Flags().Float64("ppu", 0, "screen pixels per scene unit (required)")
	renderCmd.Flags().StringP("output", "o", "frame.png", "output file")
	renderCmd.Flags().BoolP("worldfile", "w", false, "write world file")
	renderCmd.Flags().Duration("wait", time.Minute, "how long to wait for the frame")

	viper.BindPFlag("render.bbox", renderCmd.Flags().Lookup("bbox"))
	viper.BindPFlag("render.lonlat", renderCmd.Flags().Lookup("lonlat"))
	viper.BindPFlag("render.ppu", renderCmd.Flags().Lookup("ppu"))
	viper.BindPFlag("render.output", renderCmd.Flags().Lookup("output"))
	viper.BindPFlag("render.worldfile", renderCmd.Flags().Lookup("worldfile"))
	viper.BindPFlag("render.wait", renderCmd.Flags().Lookup("wait"))
}

func runRender(cmd *cobra.Command, args []string) error {
	opts, err := options()
	if err != nil {
		return err
	}
	bounds, err := server.ParseBBox(viper.GetString("render.bbox"))
	if err != nil {
		return err
	}
	if viper.GetBool("render.lonlat") {
		bounds = project.Bound(bounds, project.WGS84.ToMercator)
	}
	ppu := viper.GetFloat64("render.ppu")
	if !(ppu > 0) {
		return fmt.Errorf("--ppu must be positive")
	}

	failed := make(chan error, 1)
	sess := rasterstream.NewSession(opts, rasterstream.SinkCallbacks{
		OnResolutionKnown: func(res float64) {
			opts.Logger.Info("raster resolution", "units_per_pixel", res)
		},
		OnResponseTime: func(d time.Duration) {
			opts.Logger.Info("frame ready", "elapsed", d)
		},
		OnError: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	})
	defer sess.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("render.wait"))
	defer cancel()
	if err := sess.Load(ctx, rasterstream.ParseLocator(args[0])); err != nil {
		return err
	}
	src := sess.Source()
	if !src.Geotransform().Bounds(src.Width(), src.Height()).Intersects(bounds) {
		return rasterstream.ErrOutsideRaster
	}
	if err := sess.RequestViewport(bounds, ppu); err != nil {
		return err
	}

	select {
	case <-sess.Sink().Updates():
	case <-ctx.Done():
		return fmt.Errorf("no frame within %s: %w", viper.GetDuration("render.wait"), ctx.Err())
	}
	frame, _ := sess.Sink().Latest()
	select {
	case err := <-failed:
		var died *rasterstream.WorkerDiedError
		if errors.As(err, &died) {
			return err
		}
		opts.Logger.Warn("writing placeholder frame", "error", err)
	default:
	}
	return writeFrame(frame, viper.GetString("render.output"), viper.GetBool("render.worldfile"))
}

func writeFrame(frame rasterstream.Frame, path string, worldFile bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, frame.Image); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if worldFile {
		return rasterstream.WriteWorldFile(rasterstream.WorldFilePath(path), frameGeotransform(frame))
	}
	return nil
}

// frameGeotransform maps frame pixels onto the world rectangle they cover.
func frameGeotransform(frame rasterstream.Frame) rasterstream.Geotransform {
	b := frame.Bounds
	w, h := float64(frame.Image.Rect.Dx()), float64(frame.Image.Rect.Dy())
	return rasterstream.NorthUp(b.Min[0], b.Max[1], (b.Max[0]-b.Min[0])/w, (b.Max[1]-b.Min[1])/h)
}

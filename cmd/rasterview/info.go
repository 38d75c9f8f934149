package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tingold/rasterstream"
)

var infoCmd = &cobra.Command{
	Use:   "info <locator>",
	Short: "Describe a raster",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	opts, err := options()
	if err != nil {
		return err
	}
	src, err := rasterstream.Open(cmd.Context(), rasterstream.ParseLocator(args[0]), opts)
	if err != nil {
		return err
	}
	defer src.Close()

	gt := src.Geotransform()
	b := gt.Bounds(src.Width(), src.Height())
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Locator:    %s\n", src.Locator())
	fmt.Fprintf(out, "Size:       %d x %d, %d bands\n", src.Width(), src.Height(), src.BandCount())
	fmt.Fprintf(out, "CRS:        %s\n", rasterstream.FormatEPSG(src.EPSG()))
	fmt.Fprintf(out, "Resolution: %g units/pixel\n", gt.Resolution())
	fmt.Fprintf(out, "Bounds:     %g,%g,%g,%g\n", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
	fmt.Fprintf(out, "Pyramid:\n")
	for i, scale := range src.Pyramid().Scales() {
		w, h := src.LevelSize(i)
		fmt.Fprintf(out, "  %2d  scale %-6g %d x %d\n", i, scale, w, h)
	}
	if !rasterstream.SameCRS(src.EPSG(), opts.SceneEPSG) {
		fmt.Fprintf(out, "Warning: CRS differs from scene %s; the raster cannot be streamed\n",
			rasterstream.FormatEPSG(opts.SceneEPSG))
	}
	return nil
}

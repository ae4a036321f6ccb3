package cmd

import (
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/sidecar"
	"github.com/andresmejia3/fieldfixer/internal/utils"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var inspectLimit int

var inspectCmd = &cobra.Command{
	Use:   "inspect <bundle>",
	Short: "Print bundle metadata and per-frame correction statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runInspect(os.Stdout, args[0], inspectLimit)
	},
}

func init() {
	inspectCmd.Flags().IntVarP(&inspectLimit, "limit", "n", 0, "Only show the first N frames (0 shows all)")
	rootCmd.AddCommand(inspectCmd)
}

// frameStats summarises one frame of a bundle.
type frameStats struct {
	MeanDisp float64
	MaxDisp  float64
	MeanConf float64
}

func computeFrameStats(d *field.DisplacementField, m *image.Gray) frameStats {
	mags := make([]float64, len(d.DU))
	for i := range d.DU {
		mags[i] = math.Hypot(float64(d.DU[i]), float64(d.DV[i]))
	}
	conf := make([]float64, len(m.Pix))
	for i, v := range m.Pix {
		conf[i] = float64(v) / 255
	}

	var s frameStats
	if len(mags) > 0 {
		s.MeanDisp = stat.Mean(mags, nil)
		s.MaxDisp = floats.Max(mags)
	}
	if len(conf) > 0 {
		s.MeanConf = stat.Mean(conf, nil)
	}
	return s
}

func runInspect(w io.Writer, root string, limit int) error {
	b, err := sidecar.Load(root)
	if err != nil {
		utils.ShowError("Failed to load sidecar bundle", err, nil)
		return err
	}
	m := b.Meta

	fmt.Fprintf(w, "Bundle:   %s\n", root)
	fmt.Fprintf(w, "Version:  %d (%s)\n", m.Version, m.Mapping)
	fmt.Fprintf(w, "Modules:  %s\n", strings.Join(m.Modules, ", "))
	fmt.Fprintf(w, "Size:     %dx%d\n", m.Width, m.Height)
	if m.FrameCount == 0 && m.Frames > 0 {
		// Identity bundles record a plain count.
		fmt.Fprintf(w, "Frames:   %d\n", m.Frames)
	} else {
		fmt.Fprintf(w, "Frames:   %d (%d-%d)\n", m.FrameCount, m.FrameStart, m.FrameEnd)
	}
	if m.Profile != "" || m.Input != "" {
		fmt.Fprintf(w, "Identity: profile=%s input=%s\n", m.Profile, m.Input)
	}
	names := make([]string, 0, len(m.Sources))
	for name := range m.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "Source:   %s has metadata\n", name)
	}
	fmt.Fprintf(w, "Curves:   %d entries\n", len(b.Curves()))
	if lut := b.LUT(); lut != nil {
		fmt.Fprintf(w, "LUT:      %d^3\n", lut.Size)
	} else {
		fmt.Fprintln(w, "LUT:      none")
	}

	frames, err := b.Frames()
	if err != nil {
		utils.ShowError("Failed to list bundle frames", err, nil)
		return err
	}
	if len(frames) == 0 {
		fmt.Fprintln(w, "\nNo frames stored.")
		return nil
	}
	if limit > 0 && limit < len(frames) {
		frames = frames[:limit]
	}

	shape := m.Shape()
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FRAME\tMEAN |D|\tMAX |D|\tMEAN CONF")
	fmt.Fprintln(tw, "-----\t--------\t-------\t---------")
	for _, i := range frames {
		shape := shape
		if shape.Len() == 0 {
			if shape, err = b.WarpShape(i); err != nil {
				tw.Flush()
				utils.ShowError(fmt.Sprintf("Failed to read frame %d", i), err, nil)
				return err
			}
		}
		d, err := b.LoadWarp(i, shape)
		if err != nil {
			tw.Flush()
			utils.ShowError(fmt.Sprintf("Failed to read frame %d", i), err, nil)
			return err
		}
		mask, err := b.LoadMask(i, shape)
		if err != nil {
			tw.Flush()
			utils.ShowError(fmt.Sprintf("Failed to read mask %d", i), err, nil)
			return err
		}
		s := computeFrameStats(d, mask)
		fmt.Fprintf(tw, "%06d\t%.3f\t%.3f\t%.3f\n", i, s.MeanDisp, s.MaxDisp, s.MeanConf)
	}
	return tw.Flush()
}

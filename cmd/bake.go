package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/fieldfixer/internal/fusion"
	"github.com/andresmejia3/fieldfixer/internal/store"
	"github.com/andresmejia3/fieldfixer/internal/utils"
	"github.com/andresmejia3/fieldfixer/internal/video"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type bakeOptions struct {
	Sources    []string
	Targets    []string
	OutputPath string
	NumEngines int
	Identity   string
	Profile    string
	Modules    []string
}

var bakeOpts bakeOptions

var bakeCmd = &cobra.Command{
	Use:   "bake",
	Short: "Fuse per-source flows and confidences into a sidecar bundle",
	Long: "Fuses the flows/ and conf/ arrays of every --source into one sidecar bundle.\n" +
		"With --identity, writes a no-op bundle sized to the given video instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := bakeOpts
		overrideInt(cmd, "engines", &opts.NumEngines, cfg.Bake.Workers)
		return runBake(cmd.Context(), opts)
	},
}

func init() {
	bakeCmd.Flags().StringArrayVarP(&bakeOpts.Sources, "source", "s", nil, "Flow directory of one estimation source (repeatable)")
	bakeCmd.Flags().StringArrayVarP(&bakeOpts.Targets, "target", "t", nil, "Directory searched for curves.json and scene.cube/lut.cube (repeatable)")
	bakeCmd.Flags().StringVarP(&bakeOpts.OutputPath, "out", "o", "", "Bundle output directory (must not exist or be empty)")
	bakeCmd.Flags().IntVarP(&bakeOpts.NumEngines, "engines", "e", 4, "Number of frames fused in parallel")
	bakeCmd.Flags().StringVar(&bakeOpts.Identity, "identity", "", "Write an identity bundle for this video or frame directory")
	bakeCmd.Flags().StringVar(&bakeOpts.Profile, "profile", "quality", "Profile name recorded by identity bakes")
	bakeCmd.Flags().StringSliceVar(&bakeOpts.Modules, "modules", []string{"rsnerf", "deblurnerf"}, "Module names recorded by identity bakes")

	bakeCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(bakeCmd)
}

func runBake(ctx context.Context, opts bakeOptions) error {
	if err := validateBakeFlags(&opts); err != nil {
		return err
	}

	var (
		res *fusion.Result
		err error
	)
	if opts.Identity != "" {
		res, err = runIdentityBake(ctx, opts)
	} else {
		res, err = runFusionBake(ctx, opts)
	}
	if err != nil {
		return err
	}

	if n := len(res.Warnings); n > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %d malformed source metadata file(s)\n", n)
	}
	fmt.Fprintf(os.Stderr, "\n✅ Baked %d frames into %s\n", len(res.Frames), res.Out)

	if DB != nil {
		recordBake(ctx, res)
	}
	return nil
}

func runFusionBake(ctx context.Context, opts bakeOptions) (*fusion.Result, error) {
	// Listing is cheap; it sizes the progress bar before fusion starts.
	var total int64 = -1
	if sources, err := fusion.NewSources(opts.Sources); err == nil {
		if indices, err := fusion.DiscoverFrameIndices(sources); err == nil {
			total = int64(len(indices))
		}
	}
	bar := newBar(total, "Fusing")

	res, err := fusion.Bake(ctx, fusion.Options{
		Sources:  opts.Sources,
		Targets:  opts.Targets,
		Out:      opts.OutputPath,
		Workers:  opts.NumEngines,
		Progress: func() { bar.Add(1) },
	})
	if err != nil {
		utils.ShowError("Bake failed", err, nil)
		return nil, err
	}
	bar.Finish()
	return res, nil
}

func runIdentityBake(ctx context.Context, opts bakeOptions) (*fusion.Result, error) {
	// Cancelling kills ffmpeg if we return before the decoder is drained.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader, err := video.Open(ctx, opts.Identity)
	if err != nil {
		utils.ShowError("Failed to open identity input", err, nil)
		return nil, err
	}
	info := reader.Info()
	bar := newBar(int64(info.Frames), "Baking identity")

	res, err := fusion.IdentityBake(ctx, fusion.IdentityOptions{
		Out:      opts.OutputPath,
		Input:    opts.Identity,
		Profile:  opts.Profile,
		Modules:  opts.Modules,
		Shape:    info.Shape(),
		Frames:   reader,
		Progress: func() { bar.Add(1) },
	})
	if err != nil {
		cancel()
		reader.Close()
		utils.ShowError("Identity bake failed", err, reader.Command())
		return nil, err
	}
	if err := reader.Close(); err != nil {
		utils.ShowError("Decoder process failed", err, reader.Command())
		return nil, err
	}
	bar.Finish()
	return res, nil
}

func newBar(total int64, desc string) *progressbar.ProgressBar {
	if total <= 0 {
		total = -1 // Trigger spinner mode
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
}

// recordBake logs the bundle to the ledger. Failures only warn: the bundle
// is already published.
func recordBake(ctx context.Context, res *fusion.Result) {
	m := res.Meta
	run := store.BakeRun{
		BundlePath: res.Out,
		Modules:    m.Modules,
		FrameStart: m.FrameStart,
		FrameEnd:   m.FrameEnd,
		FrameCount: m.FrameCount,
		Width:      m.Width,
		Height:     m.Height,
	}
	id, err := DB.RecordBake(ctx, run)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to record run in ledger: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "📒 Recorded bake run %s\n", id)
}

func validateBakeFlags(opts *bakeOptions) error {
	if opts.OutputPath == "" {
		err := fmt.Errorf("--out is required")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if opts.Identity == "" && len(opts.Sources) == 0 {
		err := fmt.Errorf("provide at least one --source, or --identity")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.Identity != "" && len(opts.Sources) > 0 {
		err := fmt.Errorf("--identity cannot be combined with --source")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.Identity != "" {
		if _, err := os.Stat(opts.Identity); err != nil {
			utils.ShowError("Unable to access identity input", err, nil)
			return err
		}
	}

	for _, t := range opts.Targets {
		info, err := os.Stat(t)
		if err != nil {
			utils.ShowError("Unable to access target directory", err, nil)
			return err
		}
		if !info.IsDir() {
			err := fmt.Errorf("%s is not a directory", t)
			utils.ShowError("Target must be a directory", err, nil)
			return err
		}
	}

	// Safety Check: the bundle must not take the place of a source directory
	outAbs, _ := filepath.Abs(opts.OutputPath)
	for _, s := range opts.Sources {
		if sAbs, _ := filepath.Abs(s); sAbs == outAbs {
			err := fmt.Errorf("output %s is also a source", opts.OutputPath)
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
	}

	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	return nil
}

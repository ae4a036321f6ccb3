package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/fieldfixer/internal/field"
	"github.com/andresmejia3/fieldfixer/internal/pipeline"
	"github.com/andresmejia3/fieldfixer/internal/sidecar"
	"github.com/andresmejia3/fieldfixer/internal/store"
	"github.com/andresmejia3/fieldfixer/internal/utils"
	"github.com/andresmejia3/fieldfixer/internal/video"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var applyOpts Options

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Correct a video or frame directory with a baked sidecar bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := applyOpts
		overrideInt(cmd, "engines", &opts.NumEngines, cfg.Apply.Workers)
		overrideInt(cmd, "crf", &opts.CRF, cfg.Apply.CRF)
		overrideString(cmd, "codec", &opts.Codec, cfg.Apply.Codec)
		overrideString(cmd, "pix-fmt", &opts.PixFmt, cfg.Apply.PixFmt)
		return runApply(cmd.Context(), opts)
	},
}

func init() {
	defaults := utils.DefaultEncoderParams()
	applyCmd.Flags().StringVarP(&applyOpts.InputPath, "input", "i", "", "Path to input video or frame directory")
	applyCmd.Flags().StringVarP(&applyOpts.BundlePath, "bake", "b", "", "Path to the sidecar bundle")
	applyCmd.Flags().StringVarP(&applyOpts.OutputPath, "out", "o", "corrected.mp4", "Output video, or a directory for PNG frames")
	applyCmd.Flags().IntVar(&applyOpts.CRF, "crf", defaults.CRF, "Encoder constant rate factor")
	applyCmd.Flags().StringVar(&applyOpts.Codec, "codec", defaults.Codec, "Encoder video codec")
	applyCmd.Flags().StringVar(&applyOpts.PixFmt, "pix-fmt", defaults.PixFmt, "Encoder output pixel format")
	applyCmd.Flags().IntVarP(&applyOpts.NumEngines, "engines", "e", 1, "Number of frames corrected in parallel")

	applyCmd.MarkFlagRequired("input")
	applyCmd.MarkFlagRequired("bake")
	rootCmd.AddCommand(applyCmd)
}

func runApply(ctx context.Context, opts Options) error {
	// Cancelling kills ffmpeg immediately if this function returns early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateApplyFlags(&opts); err != nil {
		return err
	}

	bundle, err := sidecar.Load(opts.BundlePath)
	if err != nil {
		utils.ShowError("Failed to load sidecar bundle", err, nil)
		return err
	}

	reader, err := video.Open(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to open input", err, nil)
		return err
	}
	info := reader.Info()

	// Catch a bundle baked for another resolution before the encoder starts.
	if ms := bundle.Meta.Shape(); ms.Len() > 0 && info.Shape().Len() > 0 {
		if err := field.CheckShape("bundle", ms, info.Shape()); err != nil {
			cancel()
			reader.Close()
			utils.ShowError("Bundle does not match the input", err, nil)
			return err
		}
	}

	params := utils.EncoderParams{Codec: opts.Codec, CRF: opts.CRF, PixFmt: opts.PixFmt}
	writer, err := video.Create(ctx, opts.OutputPath, info, params)
	if err != nil {
		cancel()
		reader.Close()
		utils.ShowError("Failed to open output", err, nil)
		return err
	}

	barTotal := int64(info.Frames)
	if barTotal <= 0 {
		barTotal = -1 // Trigger spinner mode
	}
	bar := progressbar.NewOptions64(barTotal,
		progressbar.OptionSetDescription("Correcting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	n, err := pipeline.Run(ctx, reader, writer, &pipeline.Corrector{Bundle: bundle}, pipeline.Options{
		Workers:  opts.NumEngines,
		Progress: func() { bar.Add(1) },
	})
	if err != nil {
		cancel()
		writer.Close()
		reader.Close()
		utils.ShowError("Correction failed", err, reader.Command())
		return err
	}

	if err := writer.Close(); err != nil {
		utils.ShowError("Encoder process failed", err, writer.Command())
		return err
	}
	if err := reader.Close(); err != nil {
		utils.ShowError("Decoder process failed", err, reader.Command())
		return err
	}
	bar.Finish()

	fmt.Fprintf(os.Stderr, "\n✅ Corrected %d frames into %s\n", n, opts.OutputPath)

	if DB != nil {
		recordApply(ctx, opts, n)
	}
	return nil
}

// recordApply logs the run to the ledger. Failures only warn: the output is
// already written.
func recordApply(ctx context.Context, opts Options, frames int) {
	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Could not fingerprint input: %v\n", err)
		return
	}
	inAbs, _ := filepath.Abs(opts.InputPath)
	bundleAbs, _ := filepath.Abs(opts.BundlePath)
	outAbs, _ := filepath.Abs(opts.OutputPath)
	id, err := DB.RecordApply(ctx, store.ApplyRun{
		VideoID:    videoID,
		InputPath:  inAbs,
		BundlePath: bundleAbs,
		OutputPath: outAbs,
		Frames:     frames,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to record run in ledger: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "📒 Recorded apply run %s\n", id)
}

func validateApplyFlags(opts *Options) error {
	if _, err := os.Stat(opts.InputPath); err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input", err, nil)
		return err
	}

	info, err := os.Stat(opts.BundlePath)
	if err != nil {
		utils.ShowError("Unable to access sidecar bundle", err, nil)
		return err
	}
	if !info.IsDir() {
		err := fmt.Errorf("%s is not a directory", opts.BundlePath)
		utils.ShowError("Sidecar bundle must be a directory", err, nil)
		return err
	}

	// Safety Check: Prevent overwriting input which causes corruption
	inAbs, _ := filepath.Abs(opts.InputPath)
	outAbs, _ := filepath.Abs(opts.OutputPath)
	if inAbs == outAbs {
		err := fmt.Errorf("input and output paths must be different to prevent file corruption")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}

	if opts.CRF < 0 || opts.CRF > 51 {
		err := fmt.Errorf("must be between 0 and 51, got %d", opts.CRF)
		utils.ShowError("Invalid CRF", err, nil)
		return err
	}
	if opts.Codec == "" || opts.PixFmt == "" {
		err := fmt.Errorf("codec and pix-fmt must not be empty")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	return nil
}

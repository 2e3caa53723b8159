package cli

import (
	"fmt"
	"io"
	"math/rand"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/pomegrade/internal/config"
	"github.com/Brownie44l1/pomegrade/internal/dataset"
	"github.com/Brownie44l1/pomegrade/internal/transform"
)

var (
	datasetReserved  []string
	datasetBatchSize int
	datasetAugment   bool
	datasetDropLast  bool
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Inspect labelled image splits",
	Long: `Commands for labelled image splits. A split is a directory holding the
images and a _classes.csv annotation file with one 0/1 column per class.`,
}

var datasetInspectCmd = &cobra.Command{
	Use:   "inspect <split-dir>",
	Short: "Show the class names and per-class sample counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetInspect,
}

var datasetValidateCmd = &cobra.Command{
	Use:   "validate <split-dir>",
	Short: "Decode every image and report the ones that fail",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetValidate,
}

var datasetBatchesCmd = &cobra.Command{
	Use:   "batches <split-dir>",
	Short: "Run one epoch of the training batch loader",
	Long: `Run one epoch of the batch loader that feeds training, printing the
shape of every batch. Use --augment to apply the training augmentation.`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetBatches,
}

func init() {
	datasetCmd.PersistentFlags().StringSliceVar(&datasetReserved, "reserved", dataset.DefaultReservedColumns,
		"Annotation columns that are not classes")

	datasetCmd.AddCommand(datasetInspectCmd, datasetValidateCmd, datasetBatchesCmd)

	f := datasetBatchesCmd.Flags()
	f.IntVar(&datasetBatchSize, "batch-size", 0, "Batch size (overrides dataset.batch_size)")
	f.BoolVar(&datasetAugment, "augment", false, "Apply training augmentation")
	f.BoolVar(&datasetDropLast, "drop-last", false, "Drop the trailing partial batch")
}

func openSplit(dir string, reserved []string, opts ...dataset.Option) (*dataset.Dataset, error) {
	opts = append([]dataset.Option{dataset.WithReservedColumns(reserved...)}, opts...)
	return dataset.OpenSplit(dir, opts...)
}

func runDatasetInspect(cmd *cobra.Command, args []string) error {
	ds, err := openSplit(args[0], datasetReserved)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(out, "%s\n", args[0])
	fmt.Fprintf(out, "  %d samples, %d classes\n\n", ds.Len(), len(ds.ClassNames()))

	return writeCounts(out, ds.ClassNames(), ds.CountByLabel())
}

func writeCounts(w io.Writer, names []string, counts []int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  label\tclass\tsamples")
	for i, name := range names {
		fmt.Fprintf(tw, "  %d\t%s\t%d\n", i, name, counts[i])
	}
	return tw.Flush()
}

func runDatasetValidate(cmd *cobra.Command, args []string) error {
	ds, err := openSplit(args[0], datasetReserved)
	if err != nil {
		return err
	}

	bar := newProgressBar(cmd, ds.Len(), "Decoding")
	invalid, err := ds.Validate(cmd.Context(), func(done, total int) {
		bar.Add(1)
	})
	bar.Finish()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(invalid) == 0 {
		color.New(color.FgGreen).Fprintf(out, "all %d images decoded\n", ds.Len())
		return nil
	}

	red := color.New(color.FgRed)
	for _, s := range invalid {
		red.Fprintf(out, "  %s: %v\n", s.Path, s.Err)
	}
	return errors.Errorf("%d of %d images could not be decoded", len(invalid), ds.Len())
}

func runDatasetBatches(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	batchSize := cfg.Dataset.BatchSize
	if datasetBatchSize > 0 {
		batchSize = datasetBatchSize
	}

	seed := int64(cfg.Dataset.Seed)
	tc := config.Transform(cfg.Dataset.ImageSize)
	fn := transform.Validation(tc)
	if datasetAugment {
		fn = transform.Training(tc, transform.DefaultAugment(), rand.New(rand.NewSource(seed+1)))
	}

	ds, err := openSplit(args[0], datasetReserved, dataset.WithTransform(fn))
	if err != nil {
		return err
	}

	loader := dataset.NewLoader(args[0], ds, batchSize, rand.New(rand.NewSource(seed))).WithDropLast(datasetDropLast)
	out := cmd.OutOrStdout()
	yellow := color.New(color.FgYellow)

	batches, examples := 0, 0
	for {
		_, inputs, labels, err := loader.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		dims := inputs[0].Shape().Dimensions
		yellow.Fprintf(out, "batch %d", batches)
		fmt.Fprintf(out, "  inputs %v  labels %v\n", dims, labels[0].Shape().Dimensions)
		batches++
		examples += dims[0]
	}

	color.New(color.FgGreen).Fprintf(out, "%d batches, %d examples\n", batches, examples)
	return nil
}

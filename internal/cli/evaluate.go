package cli

import (
	"slices"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/pomegrade/internal/config"
	"github.com/Brownie44l1/pomegrade/internal/dataset"
	"github.com/Brownie44l1/pomegrade/internal/evaluate"
	"github.com/Brownie44l1/pomegrade/internal/model"
	"github.com/Brownie44l1/pomegrade/internal/transform"
)

var (
	evaluateModel    string
	evaluateMetadata string
	evaluateDevice   string
	evaluateReserved []string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <split-dir>",
	Short: "Score an exported model against a labelled split",
	Long: `Run every image of a split through the exported model with the validation
transform and print a classification report and confusion matrix.

Examples:
  pomegrade evaluate data/test
  pomegrade evaluate data/test --model models/model_embedded.onnx --device cuda:0`,
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

func init() {
	f := evaluateCmd.Flags()
	f.StringVar(&evaluateModel, "model", "", "ONNX model path (defaults to model.path)")
	f.StringVar(&evaluateMetadata, "metadata", "", "Metadata path (defaults to model.metadata_path)")
	f.StringVar(&evaluateDevice, "device", "", "cpu, cuda or cuda:N (defaults to model.device)")
	f.StringSliceVar(&evaluateReserved, "reserved", dataset.DefaultReservedColumns, "Annotation columns that are not classes")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if evaluateModel != "" {
		cfg.Model.Path = evaluateModel
	}
	if evaluateMetadata != "" {
		cfg.Model.MetadataPath = evaluateMetadata
	}
	if evaluateDevice != "" {
		cfg.Model.Device = evaluateDevice
	}

	opts, err := cfg.ModelOptions()
	if err != nil {
		return err
	}
	classifier, err := model.NewClassifier(opts)
	if err != nil {
		return err
	}
	defer classifier.Close()

	metadata := classifier.Metadata()
	ds, err := openSplit(args[0], evaluateReserved,
		dataset.WithTransform(transform.Validation(config.Transform(metadata.ImageSize))))
	if err != nil {
		return err
	}
	if !slices.Equal(ds.ClassNames(), metadata.Classes) {
		return errors.Errorf("split classes %v do not match model classes %v", ds.ClassNames(), metadata.Classes)
	}

	bar := newProgressBar(cmd, ds.Len(), "Evaluating")
	report, err := evaluate.Run(cmd.Context(), ds, classifier, func() { bar.Add(1) })
	bar.Finish()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	color.New(color.FgCyan).Fprintf(out, "%s on %s (%s)\n\n", cfg.Model.Path, args[0], opts.Device)
	_, err = report.WriteTo(out)
	return err
}

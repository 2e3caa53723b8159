package cli

import (
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/pomegrade/internal/dataset"
	"github.com/Brownie44l1/pomegrade/internal/model"
)

var (
	metadataOut       string
	metadataImageSize int
	metadataReserved  []string
)

var metadataCmd = &cobra.Command{
	Use:   "metadata <split-dir>",
	Short: "Write the model metadata for a split's class schema",
	Long: `Write the metadata JSON that accompanies an exported model. The class
list comes from the split's annotation header, in label-index order, so the
served model reports the same class names training used.

Examples:
  pomegrade metadata data/train
  pomegrade metadata data/train --out models/model_metadata.json --image-size 224`,
	Args: cobra.ExactArgs(1),
	RunE: runMetadata,
}

func init() {
	f := metadataCmd.Flags()
	f.StringVar(&metadataOut, "out", "", "Output path (defaults to model.metadata_path)")
	f.IntVar(&metadataImageSize, "image-size", 0, "Input image size (defaults to dataset.image_size)")
	f.StringSliceVar(&metadataReserved, "reserved", dataset.DefaultReservedColumns, "Annotation columns that are not classes")
}

func runMetadata(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cfg.Model.MetadataPath
	if metadataOut != "" {
		out = metadataOut
	}
	size := cfg.Dataset.ImageSize
	if metadataImageSize > 0 {
		size = metadataImageSize
	}

	ds, err := openSplit(args[0], metadataReserved)
	if err != nil {
		return err
	}

	metadata := model.NewMetadata(ds.ClassNames(), size)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return errors.Wrap(err, "failed to create metadata directory")
	}
	if err := model.SaveMetadata(out, metadata); err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "wrote metadata for %d classes to %s\n", len(metadata.Classes), out)
	return nil
}

package model

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Metadata describes an exported classifier: its tensor shapes and the class
// names in label-index order.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
}

// NewMetadata returns metadata for a single-image NCHW classifier over classes.
func NewMetadata(classes []string, imageSize int) Metadata {
	return Metadata{
		InputShape:  []int64{1, 3, int64(imageSize), int64(imageSize)},
		OutputShape: []int64{1, int64(len(classes))},
		Classes:     append([]string(nil), classes...),
		ImageSize:   imageSize,
		InputName:   "input",
		OutputName:  "output",
	}
}

// InputSize is the number of float32 values a single prediction expects.
func (m Metadata) InputSize() int {
	if len(m.InputShape) == 0 {
		return 0
	}
	size := 1
	for _, dim := range m.InputShape {
		size *= int(dim)
	}
	return size
}

// Validate checks the metadata is usable for prediction.
func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return errors.New("metadata lists no classes")
	}
	if len(m.InputShape) == 0 || m.InputSize() <= 0 {
		return errors.Errorf("invalid input shape %v", m.InputShape)
	}
	if len(m.OutputShape) == 0 {
		return errors.New("metadata has no output shape")
	}
	if out := m.OutputShape[len(m.OutputShape)-1]; int(out) != len(m.Classes) {
		return errors.Errorf("output width %d does not match %d classes", out, len(m.Classes))
	}
	if m.ImageSize <= 0 {
		return errors.Errorf("invalid image size %d", m.ImageSize)
	}
	return nil
}

// LoadMetadata reads and validates a metadata JSON file.
func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, errors.Wrap(err, "failed to read metadata")
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return Metadata{}, errors.Wrap(err, "failed to parse metadata")
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}
	if err := metadata.Validate(); err != nil {
		return Metadata{}, errors.WithMessage(err, path)
	}
	return metadata, nil
}

// SaveMetadata writes metadata as indented JSON.
func SaveMetadata(path string, metadata Metadata) error {
	if err := metadata.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode metadata")
	}
	return errors.Wrap(os.WriteFile(path, append(data, '\n'), 0o644), "failed to write metadata")
}

// PredictionRequest carries an already preprocessed input tensor.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// PredictionResponse is the API view of a prediction.
type PredictionResponse struct {
	ID          string             `json:"id,omitempty"`
	Class       string             `json:"class"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
}

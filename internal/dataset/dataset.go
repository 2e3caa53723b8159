// Package dataset loads CSV-annotated image splits for single-label
// classification.
//
// A split directory holds the images and an annotation file (_classes.csv)
// whose header is "filename" followed by one column per class. Each data row
// flags its class with a "1". Images are decoded lazily, on every Get.
package dataset

import (
	"encoding/csv"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/pomegrade/internal/transform"
)

// AnnotationFile is the name of the annotation CSV inside a split directory.
const AnnotationFile = "_classes.csv"

// Sample is one resolved training example.
type Sample struct {
	Path  string
	Label int
}

// Item is a decoded sample. Tensor is nil when the dataset has no transform.
type Item struct {
	Image  image.Image
	Tensor *transform.Tensor
	Label  int
}

// Dataset is an immutable, indexable view over the samples of one split.
type Dataset struct {
	schema    *ClassSchema
	samples   []Sample
	transform transform.Func
	reserved  []string
}

// Option configures a Dataset at construction.
type Option func(*Dataset)

// WithTransform sets the function applied to every decoded image in Get.
func WithTransform(fn transform.Func) Option {
	return func(d *Dataset) {
		d.transform = fn
	}
}

// WithReservedColumns replaces the default set of helper columns excluded
// from the class schema.
func WithReservedColumns(names ...string) Option {
	return func(d *Dataset) {
		d.reserved = names
	}
}

// OpenSplit opens the annotation file of a split directory (train/, valid/, test/).
func OpenSplit(splitDir string, opts ...Option) (*Dataset, error) {
	return Open(filepath.Join(splitDir, AnnotationFile), opts...)
}

// Open parses the annotation CSV at csvPath. Image paths are resolved
// relative to the directory holding the CSV. The file is closed before Open
// returns.
func Open(csvPath string, opts ...Option) (*Dataset, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrapf(ErrFileAccess, "open %s: %v", csvPath, err)
	}
	defer f.Close()

	ds, err := New(f, filepath.Dir(csvPath), opts...)
	if err != nil {
		return nil, errors.WithMessage(err, csvPath)
	}
	return ds, nil
}

// New parses annotation CSV data from r. baseDir is joined with each row's filename.
func New(r io.Reader, baseDir string, opts ...Option) (*Dataset, error) {
	ds := &Dataset{}
	for _, opt := range opts {
		opt(ds)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.Wrap(ErrFileAccess, "missing header row")
	}
	if err != nil {
		return nil, readError(ErrSchema, "read header", err)
	}

	ds.schema, err = ParseHeader(header, ds.reserved...)
	if err != nil {
		return nil, err
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, readError(ErrMalformed, "read row", err)
		}
		if sample, ok := ds.schema.Resolve(row, baseDir); ok {
			ds.samples = append(ds.samples, sample)
		}
	}

	return ds, nil
}

// readError wraps a CSV parse error with parseErr and any other reader
// failure with ErrFileAccess.
func readError(parseErr error, op string, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return errors.Wrapf(parseErr, "%s: %v", op, err)
	}
	return errors.Wrapf(ErrFileAccess, "%s: %v", op, err)
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.samples)
}

// ClassNames returns the class names ordered by label index.
func (d *Dataset) ClassNames() []string {
	return d.schema.Names()
}

// Schema returns the class schema parsed from the header.
func (d *Dataset) Schema() *ClassSchema {
	return d.schema
}

// Sample returns the path and label at index i without touching the image.
func (d *Dataset) Sample(i int) (Sample, error) {
	if i < 0 || i >= len(d.samples) {
		return Sample{}, errors.Wrapf(ErrIndex, "index %d, length %d", i, len(d.samples))
	}
	return d.samples[i], nil
}

// Samples returns a copy of all samples in annotation order.
func (d *Dataset) Samples() []Sample {
	out := make([]Sample, len(d.samples))
	copy(out, d.samples)
	return out
}

// Get decodes the image at index i as RGB and applies the transform, if any.
func (d *Dataset) Get(i int) (*Item, error) {
	sample, err := d.Sample(i)
	if err != nil {
		return nil, err
	}

	img, err := LoadImage(sample.Path)
	if err != nil {
		return nil, err
	}

	item := &Item{Image: img, Label: sample.Label}
	if d.transform != nil {
		item.Tensor, err = d.transform(img)
		if err != nil {
			return nil, errors.Wrapf(err, "transform %s", sample.Path)
		}
	}
	return item, nil
}

// LoadImage opens, decodes and closes the image at path, returning an opaque
// RGB copy.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrImageDecode, "open %s: %v", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(ErrImageDecode, "decode %s: %v", path, err)
	}
	return transform.RGB(img), nil
}

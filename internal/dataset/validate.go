package dataset

import "context"

// InvalidSample records a sample whose image could not be decoded.
type InvalidSample struct {
	Index int
	Path  string
	Err   error
}

// Validate decodes every image once and reports the ones that fail. It is an
// explicit, optional pass: Open never decodes images. progress, if not nil,
// is called after each sample. Validate stops early when ctx is done.
func (d *Dataset) Validate(ctx context.Context, progress func(done, total int)) ([]InvalidSample, error) {
	var invalid []InvalidSample
	for i, sample := range d.samples {
		if err := ctx.Err(); err != nil {
			return invalid, err
		}
		if _, err := LoadImage(sample.Path); err != nil {
			invalid = append(invalid, InvalidSample{Index: i, Path: sample.Path, Err: err})
		}
		if progress != nil {
			progress(i+1, len(d.samples))
		}
	}
	return invalid, nil
}

// CountByLabel returns the number of samples per label index.
func (d *Dataset) CountByLabel() []int {
	counts := make([]int, d.schema.Len())
	for _, s := range d.samples {
		counts[s.Label]++
	}
	return counts
}

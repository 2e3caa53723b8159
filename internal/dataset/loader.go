package dataset

import (
	"io"
	"math/rand"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Batch is a set of transformed samples stacked into flat buffers.
type Batch struct {
	// Inputs holds len(Labels) tensors of Shape back to back.
	Inputs []float32
	// Shape is the per-example shape, [C, H, W].
	Shape  []int
	Labels []int32
}

// Loader yields batches of a Dataset to gomlx training loops. It requires a
// dataset built WithTransform.
type Loader struct {
	name      string
	ds        *Dataset
	batchSize int
	shuffle   *rand.Rand
	dropLast  bool

	mu    sync.Mutex
	order []int
	pos   int
}

var _ train.Dataset = (*Loader)(nil)

// NewLoader creates a Loader. When shuffle is not nil the sample order is
// reshuffled on every Reset.
func NewLoader(name string, ds *Dataset, batchSize int, shuffle *rand.Rand) *Loader {
	if batchSize <= 0 {
		batchSize = 1
	}
	l := &Loader{
		name:      name,
		ds:        ds,
		batchSize: batchSize,
		shuffle:   shuffle,
	}
	l.Reset()
	return l
}

// WithDropLast discards the trailing partial batch of each epoch.
//
// Returns itself, to allow chain of method calls.
func (l *Loader) WithDropLast(drop bool) *Loader {
	l.dropLast = drop
	return l
}

// Name implements train.Dataset.
func (l *Loader) Name() string { return l.name }

// Reset implements train.Dataset. It rewinds to the start of the epoch.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pos = 0
	if len(l.order) != l.ds.Len() {
		l.order = make([]int, l.ds.Len())
		for i := range l.order {
			l.order[i] = i
		}
	}
	if l.shuffle != nil {
		l.shuffle.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// next reserves the indices of the next batch, or returns io.EOF.
func (l *Loader) next() ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := len(l.order) - l.pos
	if remaining <= 0 || (l.dropLast && remaining < l.batchSize) {
		return nil, io.EOF
	}
	n := min(l.batchSize, remaining)
	indices := append([]int(nil), l.order[l.pos:l.pos+n]...)
	l.pos += n
	return indices, nil
}

// Yield implements train.Dataset. inputs holds one tensor shaped
// [batch, C, H, W]; labels holds one int32 tensor shaped [batch, 1].
func (l *Loader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, err := l.next()
	if err != nil {
		return nil, nil, nil, err
	}

	batch, err := l.ds.Batch(indices)
	if err != nil {
		return nil, nil, nil, err
	}

	n := len(batch.Labels)
	dims := append([]int{n}, batch.Shape...)
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batch.Inputs, dims...)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batch.Labels, n, 1)}
	return l, inputs, labels, nil
}

// Batch decodes and transforms the samples at indices and stacks them. All
// transformed tensors must share one shape.
func (d *Dataset) Batch(indices []int) (*Batch, error) {
	if d.transform == nil {
		return nil, errors.New("dataset has no transform, cannot build tensor batches")
	}
	if len(indices) == 0 {
		return nil, errors.New("empty batch")
	}

	batch := &Batch{Labels: make([]int32, 0, len(indices))}
	for _, i := range indices {
		item, err := d.Get(i)
		if err != nil {
			return nil, err
		}
		if batch.Shape == nil {
			batch.Shape = item.Tensor.Shape
			batch.Inputs = make([]float32, 0, len(indices)*len(item.Tensor.Data))
		} else if !slices.Equal(batch.Shape, item.Tensor.Shape) {
			return nil, errors.Errorf("sample %d has shape %v, batch has %v", i, item.Tensor.Shape, batch.Shape)
		}
		batch.Inputs = append(batch.Inputs, item.Tensor.Data...)
		batch.Labels = append(batch.Labels, int32(item.Label))
	}
	return batch, nil
}

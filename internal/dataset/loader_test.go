package dataset

import (
	"io"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/pomegrade/internal/transform"
)

const fiveRows = "filename,Ripe,Overripe\n" +
	"0.png,1,0\n1.png,0,1\n2.png,1,0\n3.png,0,1\n4.png,1,0\n"

func newLoaderDataset(t *testing.T) *Dataset {
	t.Helper()
	dir := writeSplit(t, fiveRows, "0.png", "1.png", "2.png", "3.png", "4.png")
	cfg := transform.DefaultConfig()
	cfg.Width, cfg.Height = 4, 4
	ds, err := OpenSplit(dir, WithTransform(transform.Validation(cfg)))
	require.NoError(t, err)
	return ds
}

func TestLoaderYieldsBatchesUntilEOF(t *testing.T) {
	ds := newLoaderDataset(t)
	loader := NewLoader("train", ds, 2, nil)
	assert.Equal(t, "train", loader.Name())

	var sizes []int
	for {
		spec, inputs, labels, err := loader.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, loader, spec)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)

		dims := inputs[0].Shape().Dimensions
		assert.Equal(t, []int{3, 4, 4}, dims[1:])
		assert.Equal(t, []int{dims[0], 1}, labels[0].Shape().Dimensions)
		sizes = append(sizes, dims[0])
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	loader.Reset()
	_, inputs, _, err := loader.Yield()
	require.NoError(t, err)
	assert.Equal(t, 2, inputs[0].Shape().Dimensions[0])
}

func TestLoaderDropLast(t *testing.T) {
	ds := newLoaderDataset(t)
	loader := NewLoader("train", ds, 2, nil).WithDropLast(true)

	batches := 0
	for {
		_, _, _, err := loader.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		batches++
	}
	assert.Equal(t, 2, batches)
}

func TestLoaderLabelsFollowSampleOrder(t *testing.T) {
	ds := newLoaderDataset(t)
	loader := NewLoader("valid", ds, 5, nil)

	_, _, labels, err := loader.Yield()
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{0}, {1}, {0}, {1}, {0}}, labels[0].Value())
}

func TestLoaderShuffleCoversEverySample(t *testing.T) {
	ds := newLoaderDataset(t)
	loader := NewLoader("train", ds, 5, rand.New(rand.NewSource(42)))

	loader.mu.Lock()
	order := append([]int(nil), loader.order...)
	loader.mu.Unlock()

	sort.Ints(order)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestBatchRequiresTransform(t *testing.T) {
	dir := writeSplit(t, fiveRows, "0.png")
	ds, err := OpenSplit(dir)
	require.NoError(t, err)

	_, err = ds.Batch([]int{0})
	assert.Error(t, err)
}

func TestBatchStacksInputs(t *testing.T) {
	ds := newLoaderDataset(t)

	batch, err := ds.Batch([]int{1, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 4}, batch.Shape)
	assert.Len(t, batch.Inputs, 2*3*4*4)
	assert.Equal(t, []int32{1, 1}, batch.Labels)

	_, err = ds.Batch([]int{7})
	assert.ErrorIs(t, err, ErrIndex)
}

package feed

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefeed/pipeline"
	"github.com/gomlx/pipefeed/pipeline/synthetic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsDataset(t *testing.T) {
	pipes := make([]pipeline.Pipeline, 2)
	for i := range pipes {
		pipes[i] = synthetic.New(2, 8,
			synthetic.OutputDef{SampleDims: []int{3}, DType: dtypes.Float32},
			synthetic.OutputDef{SampleDims: []int{1}, DType: dtypes.Int64}).
			WithPadLastBatch(true)
	}
	it, err := New(testBackend(), 16,
		[]Output{{"features", RoleData}, {"target", RoleLabel}}, pipes...).
		FillLastBatch(false).
		LastBatchPadded(true).
		Done()
	require.NoError(t, err)

	ds := AsDataset(it)
	assert.Contains(t, ds.Name(), "feed(")

	custom, ok := ds.(train.DatasetCustomOwnership)
	require.True(t, ok, "the adapter must declare its ownership policy")
	assert.False(t, custom.IsOwnershipTransferred(),
		"destination tensors are reused in place, the training loop must not finalize them")

	for epoch := 0; epoch < 2; epoch++ {
		steps := 0
		for {
			spec, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.Nil(t, spec)
			require.Len(t, inputs, 2, "one data tensor per replica")
			require.Len(t, labels, 2, "one label tensor per replica")
			assert.Equal(t, []int{2, 3}, inputs[0].Shape().Dimensions)
			assert.Equal(t, []int{2}, labels[0].Shape().Dimensions, "labels are squeezed")
			steps++
		}
		// 16 samples, 4 per step.
		assert.Equal(t, 4, steps, "epoch %d", epoch)
		ds.Reset()
	}
}

func TestNewClassification(t *testing.T) {
	pipe := synthetic.New(2, 10,
		synthetic.OutputDef{SampleDims: []int{4}, DType: dtypes.Float32},
		synthetic.OutputDef{SampleDims: []int{1}, DType: dtypes.Int64})
	it, err := NewClassification(testBackend(), 10, "", "", pipe).Done()
	require.NoError(t, err)
	defer pipe.Close()

	require.Len(t, it.DataDescs(), 1)
	require.Len(t, it.LabelDescs(), 1)
	assert.Equal(t, "data", it.DataDescs()[0].Name)
	assert.Equal(t, "softmax_label", it.LabelDescs()[0].Name)
}

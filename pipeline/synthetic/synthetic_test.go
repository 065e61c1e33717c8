package synthetic

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefeed/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// shareValues schedules and shares one batch and returns the float64
// decoded values of its single output.
func shareValues(t *testing.T, p *Pipeline) []float64 {
	t.Helper()
	require.NoError(t, p.ScheduleRun())
	outs, err := p.ShareOutputs()
	require.NoError(t, err)
	require.Len(t, outs, 1)
	dense, err := outs[0].AsTensor()
	require.NoError(t, err)
	local, err := FromTensor(dense)
	require.NoError(t, err)
	defer local.MustFinalizeAll()

	var values []float64
	switch dense.DType() {
	case dtypes.Int64:
		for _, v := range tensors.MustCopyFlatData[int64](local) {
			values = append(values, float64(v))
		}
	case dtypes.Float32:
		for _, v := range tensors.MustCopyFlatData[float32](local) {
			values = append(values, float64(v))
		}
	case dtypes.Float16:
		for _, v := range tensors.MustCopyFlatData[float16.Float16](local) {
			values = append(values, float64(v.Float32()))
		}
	default:
		t.Fatalf("shareValues does not decode dtype %s", dense.DType())
	}
	require.NoError(t, p.ReleaseOutputs())
	return values
}

func TestBuildValidation(t *testing.T) {
	require.Error(t, New(0, 10, OutputDef{DType: dtypes.Int64}).Build(),
		"non-positive batch size must fail")
	require.Error(t, New(2, 10).Build(), "a pipeline without outputs must fail")
	require.Error(t, New(2, 10, OutputDef{DType: dtypes.Complex64}).Build(),
		"unsupported dtype must fail")

	p := New(2, 10, OutputDef{DType: dtypes.Int64})
	require.NoError(t, p.Build())
	defer p.Close()
	require.Error(t, p.Build(), "double Build must fail")
}

func TestScheduleShareEmpty(t *testing.T) {
	p := New(2, 10, OutputDef{DType: dtypes.Int64})
	require.NoError(t, p.Build())
	defer p.Close()

	assert.True(t, p.Empty())
	require.NoError(t, p.ScheduleRun())
	assert.False(t, p.Empty(), "a scheduled run is pending consumption")
	_, err := p.ShareOutputs()
	require.NoError(t, err)
	assert.True(t, p.Empty())
	require.NoError(t, p.ReleaseOutputs())
	assert.Equal(t, 1, p.SharedCalls())
}

func TestWrapMode(t *testing.T) {
	p := New(2, 5, OutputDef{DType: dtypes.Int64})
	require.NoError(t, p.Build())
	defer p.Close()

	// The stream wraps continuously across the epoch boundary.
	want := [][]float64{{0, 1}, {2, 3}, {4, 0}, {1, 2}}
	for i, batch := range want {
		assert.Equalf(t, batch, shareValues(t, p), "batch #%d", i)
	}
}

func TestPadMode(t *testing.T) {
	p := New(2, 5, OutputDef{DType: dtypes.Int64}).WithPadLastBatch(true)
	require.NoError(t, p.Build())
	defer p.Close()

	// The short final batch repeats the last sample, the next epoch
	// restarts at sample 0.
	want := [][]float64{{0, 1}, {2, 3}, {4, 4}, {0, 1}}
	for i, batch := range want {
		assert.Equalf(t, batch, shareValues(t, p), "batch #%d", i)
	}
}

func TestDTypeEncoding(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16} {
		p := New(3, 10, OutputDef{SampleDims: []int{2}, DType: dtype}).
			WithName("encoding-" + dtype.String())
		require.NoError(t, p.Build())

		values := shareValues(t, p)
		// Every element of sample i holds the value i.
		assert.Equalf(t, []float64{0, 0, 1, 1, 2, 2}, values, "dtype %s", dtype)
		p.Close()
	}
}

func TestValueFn(t *testing.T) {
	p := New(2, 10, OutputDef{DType: dtypes.Float32}).
		WithValueFn(func(sample int) float64 { return float64(sample) * 0.5 })
	require.NoError(t, p.Build())
	defer p.Close()

	assert.Equal(t, []float64{0, 0.5}, shareValues(t, p))
}

func TestOutputsMetadata(t *testing.T) {
	p := New(4, 100,
		OutputDef{SampleDims: []int{3, 2}, DType: dtypes.Float32},
		OutputDef{SampleDims: []int{1}, DType: dtypes.Int64})
	require.NoError(t, p.Build())
	defer p.Close()

	require.NoError(t, p.ScheduleRun())
	outs, err := p.ShareOutputs()
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, []int{4, 3, 2}, outs[0].Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, outs[0].DType())
	assert.Equal(t, []int{4, 1}, outs[1].Shape().Dimensions)
	assert.Equal(t, dtypes.Int64, outs[1].DType())

	dense, err := outs[0].AsTensor()
	require.NoError(t, err)
	assert.Equal(t, pipeline.OnHost, dense.Placement())
	require.NoError(t, p.ReleaseOutputs())

	assert.Equal(t, uintptr(4*3*2*4+4*1*8), p.BatchMemory())
}

func TestUseBeforeBuild(t *testing.T) {
	p := New(2, 10, OutputDef{DType: dtypes.Int64})
	require.Error(t, p.ScheduleRun())
	_, err := p.ShareOutputs()
	require.Error(t, err)
	require.Error(t, p.ReleaseOutputs())
	require.Error(t, p.Reset())
}

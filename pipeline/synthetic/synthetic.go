// Package synthetic implements an in-memory pipeline.Pipeline that produces
// deterministic batches, for tests, benchmarks and as an implementation
// template for real pipeline bindings.
//
// Every element of sample i holds the value ValueFn(i) (by default simply i)
// encoded in the output's dtype, so consumers can assert exact sample
// identity and epoch continuity.
package synthetic

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefeed/pipeline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// OutputDef describes one pipeline output.
type OutputDef struct {
	// SampleDims are the dimensions of one sample, without the batch axis.
	// Empty means scalar samples, so the batch tensor has shape (batchSize).
	SampleDims []int

	// DType of the elements.
	DType dtypes.DType
}

// Pipeline is a synthetic in-memory pipeline.Pipeline.
//
// Configure it with the With* methods before calling Build; afterwards the
// configuration is frozen.
type Pipeline struct {
	name       string
	batchSize  int
	epochSize  int
	queueDepth int
	outputs    []OutputDef

	// padLastBatch mimics a reader configured with pad_last_batch: the final
	// short batch of an epoch repeats the last sample, and the next epoch
	// restarts at sample 0. Otherwise the sample stream wraps around
	// continuously, ignoring the epoch boundary.
	padLastBatch bool

	onDevice  bool
	deviceNum backends.DeviceNum

	valueFn func(sample int) float64

	built       bool
	next        int // Next sample index in the stream. Only touched by the worker.
	outstanding atomic.Int64
	sharedCalls atomic.Int64
	requests    chan struct{}
	results     chan []pipeline.TensorList
	closed      chan struct{}
}

var _ pipeline.Pipeline = (*Pipeline)(nil)

// New creates a synthetic pipeline producing batches of batchSize samples
// over a logical dataset of epochSize samples, with the given outputs.
func New(batchSize, epochSize int, outputs ...OutputDef) *Pipeline {
	return &Pipeline{
		name:       fmt.Sprintf("synthetic-%s", uuid.NewString()[:8]),
		batchSize:  batchSize,
		epochSize:  epochSize,
		queueDepth: 2,
		outputs:    outputs,
		valueFn:    func(sample int) float64 { return float64(sample) },
	}
}

// WithName sets the pipeline name, used in error messages and logs.
// It returns the updated pipeline, so calls can be cascaded.
func (p *Pipeline) WithName(name string) *Pipeline {
	if p.checkFrozen() {
		return p
	}
	p.name = name
	return p
}

// WithQueueDepth sets how many scheduled runs can be in flight at once.
// It returns the updated pipeline, so calls can be cascaded.
func (p *Pipeline) WithQueueDepth(n int) *Pipeline {
	if p.checkFrozen() {
		return p
	}
	if n < 1 {
		n = 1
	}
	p.queueDepth = n
	return p
}

// WithPadLastBatch configures the final short batch of each epoch to repeat
// the last sample, restarting the next epoch at sample 0 -- the
// pad_last_batch reader behavior. When disabled (the default) the sample
// stream wraps continuously.
// It returns the updated pipeline, so calls can be cascaded.
func (p *Pipeline) WithPadLastBatch(pad bool) *Pipeline {
	if p.checkFrozen() {
		return p
	}
	p.padLastBatch = pad
	return p
}

// WithDevicePlacement marks the produced tensors as living on the given
// accelerator device, so consumers exercise their device path. The backing
// memory is still host memory.
// It returns the updated pipeline, so calls can be cascaded.
func (p *Pipeline) WithDevicePlacement(deviceNum backends.DeviceNum) *Pipeline {
	if p.checkFrozen() {
		return p
	}
	p.onDevice = true
	p.deviceNum = deviceNum
	return p
}

// WithValueFn sets the function mapping a sample index to the value encoded
// in every element of that sample. Defaults to the identity.
// It returns the updated pipeline, so calls can be cascaded.
func (p *Pipeline) WithValueFn(fn func(sample int) float64) *Pipeline {
	if p.checkFrozen() {
		return p
	}
	p.valueFn = fn
	return p
}

func (p *Pipeline) checkFrozen() bool {
	if p.built {
		klog.Errorf("synthetic.Pipeline %q: invalid configuration change after Build has been called", p.name)
	}
	return p.built
}

// Name implements pipeline.Pipeline.
func (p *Pipeline) Name() string { return p.name }

// BatchSize implements pipeline.Pipeline.
func (p *Pipeline) BatchSize() int { return p.batchSize }

// DeviceNum implements pipeline.Pipeline.
func (p *Pipeline) DeviceNum() backends.DeviceNum { return p.deviceNum }

// SharedCalls returns how many times ShareOutputs has been called. Useful
// in tests asserting prefetch behavior.
func (p *Pipeline) SharedCalls() int { return int(p.sharedCalls.Load()) }

// Build implements pipeline.Pipeline: it validates the configuration and
// starts the background worker that services scheduled runs.
func (p *Pipeline) Build() error {
	if p.built {
		return errors.Errorf("synthetic pipeline %q already built", p.name)
	}
	if p.batchSize <= 0 || p.epochSize <= 0 {
		return errors.Errorf("synthetic pipeline %q requires positive batch size (got %d) and epoch size (got %d)",
			p.name, p.batchSize, p.epochSize)
	}
	if len(p.outputs) == 0 {
		return errors.Errorf("synthetic pipeline %q has no outputs configured", p.name)
	}
	for i, out := range p.outputs {
		if _, err := encodeValue(out.DType, 0, make([]byte, out.DType.Size())); err != nil {
			return errors.WithMessagef(err, "synthetic pipeline %q output #%d", p.name, i)
		}
	}
	p.requests = make(chan struct{}, p.queueDepth)
	p.results = make(chan []pipeline.TensorList, p.queueDepth)
	p.closed = make(chan struct{})
	p.built = true
	go p.worker()
	return nil
}

// Close stops the background worker. The pipeline cannot be used afterwards.
func (p *Pipeline) Close() {
	if !p.built {
		return
	}
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}

// ScheduleRun implements pipeline.Pipeline.
func (p *Pipeline) ScheduleRun() error {
	if !p.built {
		return errors.Errorf("synthetic pipeline %q: ScheduleRun before Build", p.name)
	}
	p.outstanding.Add(1)
	select {
	case p.requests <- struct{}{}:
		return nil
	case <-p.closed:
		return errors.Errorf("synthetic pipeline %q is closed", p.name)
	}
}

// ShareOutputs implements pipeline.Pipeline.
func (p *Pipeline) ShareOutputs() ([]pipeline.TensorList, error) {
	if !p.built {
		return nil, errors.Errorf("synthetic pipeline %q: ShareOutputs before Build", p.name)
	}
	p.sharedCalls.Add(1)
	select {
	case batch := <-p.results:
		p.outstanding.Add(-1)
		return batch, nil
	case <-p.closed:
		return nil, errors.Errorf("synthetic pipeline %q is closed", p.name)
	}
}

// ReleaseOutputs implements pipeline.Pipeline. The synthetic pipeline
// allocates fresh buffers per batch, so there is nothing to recycle.
func (p *Pipeline) ReleaseOutputs() error {
	if !p.built {
		return errors.Errorf("synthetic pipeline %q: ReleaseOutputs before Build", p.name)
	}
	return nil
}

// Reset implements pipeline.Pipeline. The sample position already follows
// the configured end-of-epoch behavior (pad or wrap), so only epoch
// bookkeeping would change, and the synthetic pipeline keeps none.
func (p *Pipeline) Reset() error {
	if !p.built {
		return errors.Errorf("synthetic pipeline %q: Reset before Build", p.name)
	}
	return nil
}

// Empty implements pipeline.Pipeline.
func (p *Pipeline) Empty() bool {
	return p.outstanding.Load() == 0
}

// worker services scheduled runs: one produced batch per request.
func (p *Pipeline) worker() {
	for {
		select {
		case <-p.closed:
			return
		case <-p.requests:
		}
		batch := p.makeBatch()
		select {
		case <-p.closed:
			return
		case p.results <- batch:
		}
	}
}

// makeBatch produces the next batch of every output and advances the sample
// position according to the end-of-epoch mode.
func (p *Pipeline) makeBatch() []pipeline.TensorList {
	indices := make([]int, p.batchSize)
	if p.padLastBatch {
		for k := range indices {
			idx := p.next + k
			if idx >= p.epochSize {
				idx = p.epochSize - 1 // Repeat the last sample.
			}
			indices[k] = idx
		}
		p.next += p.batchSize
		if p.next >= p.epochSize {
			p.next = 0
		}
	} else {
		for k := range indices {
			indices[k] = (p.next + k) % p.epochSize
		}
		p.next = (p.next + p.batchSize) % p.epochSize
	}

	batch := make([]pipeline.TensorList, len(p.outputs))
	for i, out := range p.outputs {
		dims := append([]int{p.batchSize}, out.SampleDims...)
		shape := shapes.Make(out.DType, dims...)
		t := &batchTensor{
			shape:     shape,
			placement: pipeline.OnHost,
			deviceNum: p.deviceNum,
			data:      make([]byte, shape.Memory()),
		}
		if p.onDevice {
			t.placement = pipeline.OnDevice
		}
		sampleBytes := len(t.data) / p.batchSize
		for k, idx := range indices {
			fillSample(out.DType, p.valueFn(idx), t.data[k*sampleBytes:(k+1)*sampleBytes])
		}
		batch[i] = t
	}
	return batch
}

// batchTensor is a dense batch produced by one output. Its samples are
// uniform by construction, so it serves as both the TensorList and its
// dense Tensor view.
type batchTensor struct {
	shape     shapes.Shape
	placement pipeline.Placement
	deviceNum backends.DeviceNum
	data      []byte
}

var (
	_ pipeline.TensorList = (*batchTensor)(nil)
	_ pipeline.Tensor     = (*batchTensor)(nil)
)

// Shape implements pipeline.TensorList and pipeline.Tensor.
func (t *batchTensor) Shape() shapes.Shape { return t.shape }

// DType implements pipeline.TensorList and pipeline.Tensor.
func (t *batchTensor) DType() dtypes.DType { return t.shape.DType }

// AsTensor implements pipeline.TensorList.
func (t *batchTensor) AsTensor() (pipeline.Tensor, error) { return t, nil }

// Placement implements pipeline.Tensor.
func (t *batchTensor) Placement() pipeline.Placement { return t.placement }

// DeviceNum implements pipeline.Tensor.
func (t *batchTensor) DeviceNum() backends.DeviceNum { return t.deviceNum }

// CopyTo implements pipeline.Tensor.
func (t *batchTensor) CopyTo(dst []byte) error {
	if len(dst) != len(t.data) {
		return errors.Errorf("destination holds %d bytes, but tensor %s requires %d bytes",
			len(dst), t.shape, len(t.data))
	}
	copy(dst, t.data)
	return nil
}

// fillSample writes v, encoded as dtype, to every element of the sample
// occupying dst.
func fillSample(dtype dtypes.DType, v float64, dst []byte) {
	elemSize := dtype.Size()
	for off := 0; off+elemSize <= len(dst); off += elemSize {
		// Supported dtypes were validated at Build time.
		_, _ = encodeValue(dtype, v, dst[off:off+elemSize])
	}
}

// encodeValue encodes v as dtype into dst (one element). It returns the
// number of bytes written.
func encodeValue(dtype dtypes.DType, v float64, dst []byte) (int, error) {
	switch dtype {
	case dtypes.Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
		return 8, nil
	case dtypes.Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
		return 4, nil
	case dtypes.Float16:
		binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(float32(v)).Bits())
		return 2, nil
	case dtypes.Int64:
		binary.LittleEndian.PutUint64(dst, uint64(int64(v)))
		return 8, nil
	case dtypes.Int32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
		return 4, nil
	case dtypes.Uint8:
		dst[0] = uint8(v)
		return 1, nil
	default:
		return 0, errors.Errorf("synthetic pipeline does not support dtype %s", dtype)
	}
}

// BatchMemory reports the host memory one batch of the pipeline occupies.
func (p *Pipeline) BatchMemory() uintptr {
	var total uintptr
	for _, out := range p.outputs {
		dims := append([]int{p.batchSize}, out.SampleDims...)
		total += shapes.Make(out.DType, dims...).Memory()
	}
	return total
}

// FromTensor is a convenience for tests: it converts a pipeline tensor to a
// local GoMLX tensor by raw copy.
func FromTensor(t pipeline.Tensor) (*tensors.Tensor, error) {
	dst := tensors.FromShape(t.Shape())
	var copyErr error
	err := dst.MutableBytes(func(data []byte) {
		copyErr = t.CopyTo(data)
	})
	if err != nil {
		return nil, err
	}
	if copyErr != nil {
		return nil, copyErr
	}
	return dst, nil
}

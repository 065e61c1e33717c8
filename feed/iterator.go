package feed

import (
	"io"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pipefeed/pipeline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// queueDepth is the number of destination batch sets kept per replica.
// With a depth of 1 every step reuses the same destinations, and the
// configured write barrier is what guarantees the previous consumer is done
// with them. Deeper queues trade memory for a larger safety window.
const queueDepth = 1

// Config collects the iterator configuration. Create it with New, adjust it
// with the chained setters and call Done to obtain the Iterator.
type Config struct {
	backend backends.Backend
	pipes   []pipeline.Pipeline
	outputs []Output
	size    int

	fillLastBatch   bool
	autoReset       bool
	squeezeLabels   bool
	dynamicShape    bool
	lastBatchPadded bool
	layout          string
	barrier         Barrier
}

// New creates the configuration of an Iterator that consumes the given
// pipeline replicas, mapping their positional outputs with outputs, over an
// epoch of size samples.
//
// It panics immediately on an invalid output mapping (empty, repeated names
// or invalid roles) or if no pipeline is given. Pipeline construction
// happens in Done.
//
// Defaults: FillLastBatch(true), AutoReset(false), SqueezeLabels(true),
// DynamicShape(false), LastBatchPadded(false), DataLayout("NCHW") and no
// write barrier.
func New(backend backends.Backend, size int, outputs []Output, pipes ...pipeline.Pipeline) *Config {
	validateOutputs(outputs)
	if len(pipes) == 0 {
		exceptions.Panicf("feed: at least one pipeline is required")
	}
	if size <= 0 {
		exceptions.Panicf("feed: epoch size must be positive, got %d", size)
	}
	return &Config{
		backend:       backend,
		pipes:         pipes,
		outputs:       outputs,
		size:          size,
		fillLastBatch: true,
		squeezeLabels: true,
		layout:        "NCHW",
	}
}

// NewClassification creates the configuration of an Iterator for the common
// classification case: one data output and one label output. Empty names
// default to "data" and "softmax_label".
func NewClassification(backend backends.Backend, size int, dataName, labelName string, pipes ...pipeline.Pipeline) *Config {
	if dataName == "" {
		dataName = "data"
	}
	if labelName == "" {
		labelName = "softmax_label"
	}
	return New(backend, size,
		[]Output{{Name: dataName, Role: RoleData}, {Name: labelName, Role: RoleLabel}},
		pipes...)
}

// FillLastBatch sets whether the last batch of the epoch is returned full,
// overrunning the epoch size (true, the default), or annotated with the
// number of padding entries instead (false).
// It returns the updated Config, so calls can be cascaded.
func (c *Config) FillLastBatch(fill bool) *Config {
	c.fillLastBatch = fill
	return c
}

// AutoReset sets whether the iterator resets itself when the epoch ends,
// instead of requiring a separate Reset call.
// It returns the updated Config, so calls can be cascaded.
func (c *Config) AutoReset(auto bool) *Config {
	c.autoReset = auto
	return c
}

// SqueezeLabels sets whether trailing axes of dimension 1 are dropped from
// label tensors: a (N, 1) label becomes (N). Defaults to true.
// It returns the updated Config, so calls can be cascaded.
func (c *Config) SqueezeLabels(squeeze bool) *Config {
	c.squeezeLabels = squeeze
	return c
}

// DynamicShape sets whether the pipeline outputs may change shape between
// steps. If true, destination tensors are reallocated on a shape change; if
// false (the default), a shape change is a fatal error.
// It returns the updated Config, so calls can be cascaded.
func (c *Config) DynamicShape(dynamic bool) *Config {
	c.dynamicShape = dynamic
	return c
}

// LastBatchPadded declares whether the pipelines themselves pad their final
// batch by repeating the last sample (true), or wrap around into the next
// epoch's data (false, the default). Together with FillLastBatch it decides
// whether an epoch overrun is carried into the next epoch's accounting on
// Reset.
//
// With the dataset [1..7] and batch size 2:
//
//	FillLastBatch(false), LastBatchPadded(true):  last batch [7],   next epoch starts [1, 2]
//	FillLastBatch(false), LastBatchPadded(false): last batch [7],   next epoch starts [2, 3]
//	FillLastBatch(true),  LastBatchPadded(true):  last batch [7,7], next epoch starts [1, 2]
//	FillLastBatch(true),  LastBatchPadded(false): last batch [7,1], next epoch starts [2, 3]
//
// It returns the updated Config, so calls can be cascaded.
func (c *Config) LastBatchPadded(padded bool) *Config {
	c.lastBatchPadded = padded
	return c
}

// DataLayout sets the layout string reported in the data output
// descriptors, usually "NCHW" or "NHWC". It does not affect the copies.
// It returns the updated Config, so calls can be cascaded.
func (c *Config) DataLayout(layout string) *Config {
	c.layout = layout
	return c
}

// WriteBarrier sets the Barrier called before a destination tensor is
// overwritten. See Barrier.
// It returns the updated Config, so calls can be cascaded.
func (c *Config) WriteBarrier(barrier Barrier) *Config {
	c.barrier = barrier
	return c
}

// Done builds every pipeline, schedules their first run and eagerly pulls
// the first batch -- both to learn the output shapes for the descriptors
// and so the pipelines work on the second batch while the caller consumes
// the first. That first batch is returned verbatim by the first call to
// Next.
func (c *Config) Done() (*Iterator, error) {
	replicaBatch := c.pipes[0].BatchSize()
	for _, p := range c.pipes {
		if p.BatchSize() != replicaBatch {
			return nil, errors.Errorf("all pipeline replicas must have the same batch size: %q has %d, %q has %d",
				c.pipes[0].Name(), replicaBatch, p.Name(), p.BatchSize())
		}
		if err := p.Build(); err != nil {
			return nil, errors.WithMessagef(err, "building pipeline %q", p.Name())
		}
	}

	it := &Iterator{
		backend:         c.backend,
		pipes:           c.pipes,
		outputs:         c.outputs,
		size:            c.size,
		fillLastBatch:   c.fillLastBatch,
		autoReset:       c.autoReset,
		squeezeLabels:   c.squeezeLabels,
		dynamicShape:    c.dynamicShape,
		lastBatchPadded: c.lastBatchPadded,
		layout:          c.layout,
		barrier:         c.barrier,
		replicaBatch:    replicaBatch,
		dest:            make([][]*Batch, len(c.pipes)),
	}
	for i := range it.dest {
		it.dest[i] = make([]*Batch, queueDepth)
	}
	for _, p := range it.pipes {
		if err := p.ScheduleRun(); err != nil {
			return nil, errors.WithMessagef(err, "scheduling the first run of pipeline %q", p.Name())
		}
	}

	// Pull one batch as part of setup to learn shapes and dtypes. It is
	// cached, not discarded: the first Next returns it.
	first, err := it.step()
	if err != nil {
		return nil, errors.WithMessage(err, "pulling the first batch to learn the output shapes")
	}
	it.first = first
	it.buildDescs(first[0])
	return it, nil
}

// Barrier waits until a destination tensor is no longer in use by any
// outstanding asynchronous consumer -- e.g. a previous training step still
// reading it on an accelerator stream. It must block until the tensor is
// safe to overwrite.
//
// The iterator has no implicit synchronization of its own: when the
// consumer of the batches is asynchronous, a Barrier must be configured
// with Config.WriteBarrier.
type Barrier func(t *tensors.Tensor) error

// Iterator pulls ready batches from one or more pipeline replicas and hands
// them back as GoMLX tensors, one []*Batch (one Batch per replica) per
// step. Create it with New(...).Done().
//
// It is driven by a single caller goroutine and owns its destination
// tensors: they are reused in place on every step.
type Iterator struct {
	backend backends.Backend
	pipes   []pipeline.Pipeline
	outputs []Output
	size    int

	fillLastBatch   bool
	autoReset       bool
	squeezeLabels   bool
	dynamicShape    bool
	lastBatchPadded bool
	layout          string
	barrier         Barrier

	replicaBatch int
	counter      int
	current      int // Destination buffer index, always 0 while queueDepth == 1.

	dest  [][]*Batch // Per replica, per buffer index; allocated lazily.
	first []*Batch   // Batch pulled during construction, returned by the first Next.

	dataDescs, labelDescs []Desc
}

// Next returns the next batch of every replica, annotated with its pad
// count. At the end of the epoch it returns io.EOF -- after resetting
// itself first, when configured with AutoReset(true).
//
// The returned tensors are owned by the iterator and are overwritten by the
// following Next call.
func (it *Iterator) Next() ([]*Batch, error) {
	if it.first != nil {
		first := it.first
		it.first = nil
		return first, nil
	}
	if it.counter >= it.size {
		if it.autoReset {
			it.Reset()
		}
		return nil, io.EOF
	}
	return it.step()
}

// step performs one full iteration: gather, partition, copy, re-arm and
// account.
func (it *Iterator) step() ([]*Batch, error) {
	numReplicas := len(it.pipes)

	// Gather the ready outputs of every replica.
	allOuts := make([][]pipeline.TensorList, numReplicas)
	for i, p := range it.pipes {
		outs, err := p.ShareOutputs()
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q failed to share its outputs", p.Name())
		}
		if len(outs) != len(it.outputs) {
			return nil, errors.Errorf("pipeline %q produced %d outputs, but the output mapping names %d",
				p.Name(), len(outs), len(it.outputs))
		}
		allOuts[i] = outs
	}

	batches := make([]*Batch, numReplicas)
	for i := range it.pipes {
		batch, err := it.feedReplica(i, allOuts[i])
		if err != nil {
			return nil, err
		}
		batches[i] = batch
	}

	// Release the pipelines' hold on these outputs and immediately schedule
	// the next run, so they make progress while the caller consumes the
	// batch.
	for _, p := range it.pipes {
		if err := p.ReleaseOutputs(); err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q failed to release its outputs", p.Name())
		}
		if err := p.ScheduleRun(); err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q failed to schedule the next run", p.Name())
		}
	}

	it.current = (it.current + 1) % queueDepth
	it.counter += numReplicas * it.replicaBatch

	// Padding policy: when not filling the last batch and this step overran
	// the epoch, distribute the overflow as pad counts, as evenly as
	// possible across replicas.
	if !it.fillLastBatch && it.counter > it.size {
		overflow := it.counter - it.size
		perReplica := overflow / numReplicas
		difference := numReplicas - overflow%numReplicas
		for i, batch := range batches {
			if i < difference {
				batch.Pad = perReplica
			} else {
				batch.Pad = perReplica + 1
			}
		}
	} else {
		for _, batch := range batches {
			batch.Pad = 0
		}
	}
	return batches, nil
}

// Reset restarts the iterator for the next epoch. Pipelines cannot rewind
// mid-epoch, so a Reset before the epoch finished is ignored with a
// warning.
//
// When the iterator fills the last batch with samples wrapped from the next
// epoch (FillLastBatch(true) and LastBatchPadded(false)), the overrun
// carries over: the next epoch starts with the counter already advanced by
// the wrapped samples, so it ends correspondingly sooner.
func (it *Iterator) Reset() {
	if it.counter < it.size {
		klog.Warningf("feed.Iterator does not support resetting while the epoch is not finished (%d of %d samples consumed); ignoring",
			it.counter, it.size)
		return
	}
	if it.fillLastBatch && !it.lastBatchPadded {
		it.counter = it.counter % it.size
	} else {
		it.counter = 0
	}
	for _, p := range it.pipes {
		if err := p.Reset(); err != nil {
			exceptions.Panicf("feed: pipeline %q failed to reset: %+v", p.Name(), err)
		}
		if p.Empty() {
			// Keep the prefetch armed, so the next step doesn't stall.
			if err := p.ScheduleRun(); err != nil {
				exceptions.Panicf("feed: pipeline %q failed to schedule a run after reset: %+v", p.Name(), err)
			}
		}
	}
}

// buildDescs fills in the output descriptors from the first pulled batch.
// The descriptor shapes describe the combined batch across replicas: the
// leading dimension is multiplied by the number of replicas.
func (it *Iterator) buildDescs(first *Batch) {
	combined := func(s shapes.Shape) shapes.Shape {
		s = s.Clone()
		s.Dimensions[0] *= len(it.pipes)
		return s
	}
	dataIdx, labelIdx := 0, 0
	for _, out := range it.outputs {
		if out.Role == RoleData {
			it.dataDescs = append(it.dataDescs, Desc{
				Name:   out.Name,
				Shape:  combined(first.Data[dataIdx].Shape()),
				Layout: it.layout,
			})
			dataIdx++
		} else {
			it.labelDescs = append(it.labelDescs, Desc{
				Name:  out.Name,
				Shape: combined(first.Labels[labelIdx].Shape()),
			})
			labelIdx++
		}
	}
}

// DataDescs returns the descriptors of the data outputs, in mapping order.
func (it *Iterator) DataDescs() []Desc { return it.dataDescs }

// LabelDescs returns the descriptors of the label outputs, in mapping order.
func (it *Iterator) LabelDescs() []Desc { return it.labelDescs }

// Size returns the target epoch size, in samples.
func (it *Iterator) Size() int { return it.size }

// Counter returns how many samples were consumed so far in this epoch.
func (it *Iterator) Counter() int { return it.counter }

// NumReplicas returns the number of pipeline replicas driven by the
// iterator.
func (it *Iterator) NumReplicas() int { return len(it.pipes) }

// BatchSize returns the combined batch size per step, summed over all
// replicas.
func (it *Iterator) BatchSize() int { return it.replicaBatch * len(it.pipes) }

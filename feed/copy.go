package feed

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pipefeed/pipeline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// srcView is a pipeline tensor together with the shape under which it is
// fed. The two differ only for squeezed labels: squeezing changes the
// bookkeeping shape, never the bytes.
type srcView struct {
	t     pipeline.Tensor
	shape shapes.Shape
}

// feedReplica densifies and partitions the outputs of one replica, lazily
// allocates (or, under DynamicShape, reallocates) its destination batch and
// copies every source tensor into its destination.
func (it *Iterator) feedReplica(replica int, outs []pipeline.TensorList) (*Batch, error) {
	pipe := it.pipes[replica]

	srcs := make([]srcView, len(outs))
	for j, out := range outs {
		t, err := out.AsTensor()
		if err != nil {
			return nil, errors.WithMessagef(err, "output %q of pipeline %q cannot be densified",
				it.outputs[j].Name, pipe.Name())
		}
		shape := t.Shape()
		if it.squeezeLabels && it.outputs[j].Role == RoleLabel {
			shape = squeezeTrailing(shape)
		}
		srcs[j] = srcView{t: t, shape: shape}
	}

	if it.dest[replica][it.current] == nil {
		batch, err := it.allocBatch(replica, srcs)
		if err != nil {
			return nil, err
		}
		it.dest[replica][it.current] = batch
	}
	batch := it.dest[replica][it.current]

	dataIdx, labelIdx := 0, 0
	for j, src := range srcs {
		var dst **tensors.Tensor
		if it.outputs[j].Role == RoleData {
			dst = &batch.Data[dataIdx]
			dataIdx++
		} else {
			dst = &batch.Labels[labelIdx]
			labelIdx++
		}
		if it.dynamicShape && !src.shape.Equal((*dst).Shape()) {
			fresh, err := it.allocDest(replica, it.outputs[j].Name, src)
			if err != nil {
				return nil, err
			}
			if err := (*dst).FinalizeAll(); err != nil {
				klog.Warningf("feed: failed to finalize outgrown destination tensor for output %q: %v",
					it.outputs[j].Name, err)
			}
			*dst = fresh
		}
		if err := it.feedTensor(src, *dst); err != nil {
			return nil, errors.WithMessagef(err, "copying output %q of pipeline %q",
				it.outputs[j].Name, pipe.Name())
		}
	}
	return batch, nil
}

// allocBatch allocates the destination batch of one replica, one zero-filled
// tensor per mapped output, placed on host or device following the source.
func (it *Iterator) allocBatch(replica int, srcs []srcView) (*Batch, error) {
	batch := &Batch{}
	for j, src := range srcs {
		dst, err := it.allocDest(replica, it.outputs[j].Name, src)
		if err != nil {
			return nil, err
		}
		if it.outputs[j].Role == RoleData {
			batch.Data = append(batch.Data, dst)
		} else {
			batch.Labels = append(batch.Labels, dst)
		}
	}
	return batch, nil
}

// allocDest allocates one zero-filled destination tensor with the source's
// shape, on the source's device when the source lives on an accelerator.
func (it *Iterator) allocDest(replica int, name string, src srcView) (*tensors.Tensor, error) {
	dst := tensors.FromShape(src.shape)
	if src.t.Placement() == pipeline.OnDevice {
		if err := dst.MaterializeOnDevice(it.backend, true, src.t.DeviceNum()); err != nil {
			return nil, errors.WithMessagef(err, "allocating destination tensor %s for output %q on device %d",
				src.shape, name, src.t.DeviceNum())
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("feed: allocated %s (%s) for output %q, replica %d, %s",
			humanize.IBytes(uint64(src.shape.Memory())), src.shape, name, replica, src.t.Placement())
	}
	return dst, nil
}

// feedTensor copies one source tensor's bytes into its destination: it
// waits out any outstanding consumer of the destination, validates that the
// shapes match exactly and performs the raw copy. Device-placed
// destinations are re-materialized so the fresh bytes are visible on the
// device.
func (it *Iterator) feedTensor(src srcView, dst *tensors.Tensor) error {
	if it.barrier != nil {
		if err := it.barrier(dst); err != nil {
			return errors.WithMessage(err, "write barrier on the destination tensor")
		}
	}
	if !src.shape.Equal(dst.Shape()) {
		return errors.Errorf("shapes do not match: pipeline tensor has shape %s, but the destination tensor has shape %s -- "+
			"configure DynamicShape(true) if the pipeline output shapes change during execution",
			src.shape, dst.Shape())
	}
	var copyErr error
	err := dst.MutableBytes(func(data []byte) {
		copyErr = src.t.CopyTo(data)
	})
	if err != nil {
		return err
	}
	if copyErr != nil {
		return errors.WithMessage(copyErr, "raw copy from the pipeline tensor")
	}
	if src.t.Placement() == pipeline.OnDevice {
		if err := dst.MaterializeOnDevice(it.backend, true, src.t.DeviceNum()); err != nil {
			return errors.WithMessagef(err, "re-materializing the destination tensor on device %d", src.t.DeviceNum())
		}
	}
	return nil
}

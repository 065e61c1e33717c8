package feed

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// datasetAdapter exposes an Iterator as a train.Dataset.
type datasetAdapter struct {
	it   *Iterator
	name string
}

var (
	_ train.Dataset                = (*datasetAdapter)(nil)
	_ train.DatasetCustomOwnership = (*datasetAdapter)(nil)
)

// AsDataset adapts the Iterator to the train.Dataset interface, so it can
// drive GoMLX training loops directly.
//
// Each Yield flattens the per-replica batches replica-major: with R
// replicas and D data outputs, inputs holds R x D tensors, replica 0 first.
// The per-replica pad counts are not part of the Dataset surface; consumers
// that need them should use Iterator.Next directly.
//
// The yielded tensors remain owned by the iterator and are overwritten on
// the following step, which the adapter reports via
// IsOwnershipTransferred() == false, so training loops won't finalize them.
func AsDataset(it *Iterator) train.Dataset {
	names := make([]string, 0, len(it.pipes))
	for _, p := range it.pipes {
		names = append(names, p.Name())
	}
	return &datasetAdapter{
		it:   it,
		name: fmt.Sprintf("feed(%s)", strings.Join(names, ", ")),
	}
}

// Name implements train.Dataset.
func (ds *datasetAdapter) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *datasetAdapter) Reset() { ds.it.Reset() }

// Yield implements train.Dataset. The epoch end is reported as io.EOF.
func (ds *datasetAdapter) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batches, err := ds.it.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	for _, batch := range batches {
		inputs = append(inputs, batch.Data...)
		labels = append(labels, batch.Labels...)
	}
	return nil, inputs, labels, nil
}

// IsOwnershipTransferred implements train.DatasetCustomOwnership: the
// destination tensors are reused in place across steps, the caller must not
// finalize them.
func (ds *datasetAdapter) IsOwnershipTransferred() bool { return false }

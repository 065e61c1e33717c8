/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package pipeline defines the contract between an external accelerated
// data-loading pipeline and the feed.Iterator that consumes it.
//
// A Pipeline is one parallel replica of the external pipeline, typically
// bound to one accelerator device. The pipeline does all the heavy lifting
// (decoding, augmentation, accelerator execution) internally; from this
// package's perspective it is an opaque producer of ready batches.
//
// The call protocol, driven by a single caller goroutine:
//
//	Build() once, then repeatedly:
//	ScheduleRun() -> ShareOutputs() -> (consume) -> ReleaseOutputs()
//
// ScheduleRun arms the next batch and returns immediately; ShareOutputs
// blocks until that batch is ready and hands out its output tensors, which
// remain owned by the pipeline until ReleaseOutputs is called.
//
// See pipeline/synthetic for a reference in-memory implementation.
package pipeline

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Placement indicates where the backing memory of a pipeline tensor lives.
type Placement int

const (
	// OnHost means the tensor memory is ordinary host (CPU) memory.
	OnHost Placement = iota

	// OnDevice means the tensor memory lives on an accelerator device.
	OnDevice
)

// String implements fmt.Stringer.
func (p Placement) String() string {
	switch p {
	case OnHost:
		return "OnHost"
	case OnDevice:
		return "OnDevice"
	}
	return "InvalidPlacement"
}

// Pipeline is one replica of the external data pipeline.
//
// Implementations don't need to be goroutine-safe: a Pipeline is driven by a
// single caller (the feed.Iterator that owns it).
type Pipeline interface {
	// Name identifies the pipeline replica. Used for error messages and logs.
	Name() string

	// BatchSize is the number of samples per batch this replica produces.
	BatchSize() int

	// DeviceNum is the accelerator device this replica is bound to.
	// Ignored for pipelines that only produce host tensors.
	DeviceNum() backends.DeviceNum

	// Build finishes construction of the pipeline. It must be called once,
	// before any other operation.
	Build() error

	// ScheduleRun arms the production of the next batch and returns without
	// waiting for it.
	ScheduleRun() error

	// ShareOutputs blocks until the earliest scheduled batch is ready and
	// returns its outputs, one TensorList per pipeline output, in the
	// pipeline's fixed output order.
	//
	// The returned tensors are owned by the pipeline and are only valid
	// until the next ReleaseOutputs call.
	ShareOutputs() ([]TensorList, error)

	// ReleaseOutputs returns the outputs handed out by the last ShareOutputs
	// to the pipeline, so their buffers can be recycled.
	ReleaseOutputs() error

	// Reset informs the pipeline that an epoch ended. Pipelines cannot
	// rewind mid-epoch; this only resets epoch bookkeeping.
	Reset() error

	// Empty returns whether the pipeline has no scheduled run pending
	// consumption.
	Empty() bool
}

// TensorList is a batch of samples produced by one pipeline output: each
// sample has its own shape metadata, which may or may not be uniform across
// the batch.
type TensorList interface {
	// Shape of the whole batch, with the leading batch axis, if the samples
	// are uniform.
	Shape() shapes.Shape

	// DType of the elements.
	DType() dtypes.DType

	// AsTensor returns a dense view of the batch. It fails if the samples
	// don't share the same shape and therefore cannot be densified.
	AsTensor() (Tensor, error)
}

// Tensor is a dense batch tensor backed by contiguous pipeline-owned memory,
// either on the host or on an accelerator device.
type Tensor interface {
	// Shape of the tensor, with the leading batch axis.
	Shape() shapes.Shape

	// DType of the elements.
	DType() dtypes.DType

	// Placement reports where the backing memory lives.
	Placement() Placement

	// DeviceNum is the device holding the memory. Only meaningful when
	// Placement() == OnDevice.
	DeviceNum() backends.DeviceNum

	// CopyTo copies the raw tensor contents into dst, which must have
	// exactly Shape().Memory() bytes.
	CopyTo(dst []byte) error
}

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

// Package feed implements a batch iterator that moves ready batches from
// external accelerated data pipelines (see the pipeline package) into GoMLX
// tensors, one step at a time.
//
// On each step the iterator pulls one pre-scheduled batch from every
// pipeline replica, partitions the outputs into data and labels according to
// a caller-supplied mapping, copies them into pre-allocated destination
// tensors (allocated lazily on the first step, host or device following the
// source), re-arms the pipelines, and tracks epoch progress against a target
// size -- including how many trailing entries of a short final batch are
// padding rather than real data.
//
// Example:
//
//	it, err := feed.New(backend, datasetSize,
//		[]feed.Output{{"image", feed.RoleData}, {"label", feed.RoleLabel}},
//		pipe).
//		FillLastBatch(false).
//		AutoReset(true).
//		Done()
//	...
//	batches, err := it.Next() // err == io.EOF at the end of the epoch.
//
// The destination tensors remain owned by the iterator and are overwritten
// in place on every step; callers that need to keep a batch must copy it.
package feed

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Role classifies a named pipeline output as model input data or as label.
type Role int

const (
	// RoleData routes the output to Batch.Data.
	RoleData Role = iota

	// RoleLabel routes the output to Batch.Labels.
	RoleLabel
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleData:
		return "data"
	case RoleLabel:
		return "label"
	}
	return "invalid"
}

// Output maps one positional pipeline output to a name and a Role. The
// order of the Output slice given to New must match the order in which the
// pipelines produce their outputs.
type Output struct {
	Name string
	Role Role
}

// Batch is one replica's step output: the destination tensors for every
// data and label output, in mapping order.
//
// Pad is the number of trailing entries of this batch that are filler
// rather than real epoch data. It is only non-zero on the final batch of an
// epoch, when the iterator is configured with FillLastBatch(false).
type Batch struct {
	Data   []*tensors.Tensor
	Labels []*tensors.Tensor
	Pad    int
}

// Desc describes one output of the iterator, queryable after construction:
// its name, the shape of the combined batch across all replicas (leading
// dimension is replicaBatchSize x numReplicas) and, for data outputs, the
// layout string (e.g. "NCHW").
type Desc struct {
	Name   string
	Shape  shapes.Shape
	Layout string
}

// validateOutputs panics on an invalid output mapping: it must be non-empty,
// with pairwise distinct names and valid roles.
func validateOutputs(outputs []Output) {
	if len(outputs) == 0 {
		exceptions.Panicf("feed: output mapping cannot be empty")
	}
	seen := make(map[string]bool, len(outputs))
	for i, out := range outputs {
		if out.Role != RoleData && out.Role != RoleLabel {
			exceptions.Panicf("feed: output #%d (%q) has invalid role %d, only RoleData and RoleLabel are allowed",
				i, out.Name, out.Role)
		}
		if seen[out.Name] {
			exceptions.Panicf("feed: output names must be distinct, %q appears more than once", out.Name)
		}
		seen[out.Name] = true
	}
}

// squeezeTrailing drops trailing axes of dimension 1, keeping at least the
// leading (batch) axis: (N, 1) becomes (N), (N, 1, 1) becomes (N).
func squeezeTrailing(s shapes.Shape) shapes.Shape {
	rank := s.Rank()
	for rank > 1 && s.Dimensions[rank-1] == 1 {
		rank--
	}
	if rank == s.Rank() {
		return s
	}
	return shapes.Make(s.DType, s.Dimensions[:rank]...)
}

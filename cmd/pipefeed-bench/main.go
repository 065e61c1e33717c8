// pipefeed-bench drives a feed.Iterator over synthetic pipelines and
// reports the achieved throughput. It is a smoke test for the copy path and
// a template for wiring real pipelines.
//
// Example:
//
//	pipefeed-bench --replicas=2 --batch=64 --size=50000 --epochs=3
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefeed/feed"
	"github.com/gomlx/pipefeed/pipeline"
	"github.com/gomlx/pipefeed/pipeline/synthetic"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var (
	flagReplicas = flag.Int("replicas", 1, "Number of parallel pipeline replicas.")
	flagBatch    = flag.Int("batch", 64, "Batch size per replica.")
	flagSize     = flag.Int("size", 10000, "Epoch size, in samples.")
	flagEpochs   = flag.Int("epochs", 2, "Number of epochs to run.")
	flagImageDim = flag.Int("image_dim", 32, "Synthetic images have shape (3, dim, dim).")
	flagFill     = flag.Bool("fill_last_batch", false, "Return the last batch full, overrunning the epoch.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	backend := backends.New()

	pipes := make([]pipeline.Pipeline, *flagReplicas)
	var perBatch uintptr
	for i := range pipes {
		p := synthetic.New(*flagBatch, *flagSize,
			synthetic.OutputDef{SampleDims: []int{3, *flagImageDim, *flagImageDim}, DType: dtypes.Float32},
			synthetic.OutputDef{SampleDims: []int{1}, DType: dtypes.Int64}).
			WithName(fmt.Sprintf("bench-%d", i)).
			WithPadLastBatch(true)
		perBatch += p.BatchMemory()
		pipes[i] = p
	}

	it := must.M1(feed.NewClassification(backend, *flagSize, "", "", pipes...).
		FillLastBatch(*flagFill).
		LastBatchPadded(true).
		AutoReset(true).
		Done())
	for _, desc := range it.DataDescs() {
		fmt.Printf("data output %q: shape=%s layout=%s\n", desc.Name, desc.Shape, desc.Layout)
	}
	for _, desc := range it.LabelDescs() {
		fmt.Printf("label output %q: shape=%s\n", desc.Name, desc.Shape)
	}

	stepsPerEpoch := (*flagSize + it.BatchSize() - 1) / it.BatchSize()
	ds := feed.AsDataset(it)
	start := time.Now()
	var steps, samples int
	for epoch := range *flagEpochs {
		bar := progressbar.Default(int64(stepsPerEpoch), fmt.Sprintf("epoch %d", epoch))
		for {
			_, _, _, err := ds.Yield()
			if err != nil {
				break // io.EOF: the iterator auto-resets for the next epoch.
			}
			steps++
			samples += it.BatchSize()
			_ = bar.Add(1)
		}
		_ = bar.Finish()
	}
	elapsed := time.Since(start)

	copied := uint64(perBatch) * uint64(steps)
	fmt.Printf("\n%d steps, %s samples in %s\n", steps,
		humanize.Comma(int64(samples)), elapsed.Round(time.Millisecond))
	fmt.Printf("%s copied, %s/s, %.0f samples/s\n",
		humanize.IBytes(copied),
		humanize.IBytes(uint64(float64(copied)/elapsed.Seconds())),
		float64(samples)/elapsed.Seconds())
}

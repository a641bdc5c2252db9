//go:build ignore

package main

import (
	"fmt"
	"log"
	"math"
	"os"
	"sort"

	"github.com/bmac3/jacobian-saes/internal/device"
	"github.com/bmac3/jacobian-saes/internal/sae"
)

// Prints per-feature decoder norm statistics for an SAE pair checkpoint.
// Usage: go run scripts/analyze_checkpoint.go <checkpoint.cbor>
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: analyze_checkpoint <checkpoint.cbor>")
		os.Exit(2)
	}

	backend := device.NewCPUBackend()
	pair, err := sae.Load(os.Args[1], backend)
	if err != nil {
		log.Fatalf("load checkpoint: %v", err)
	}

	fmt.Printf("d_model=%d d_sae=%d k=%d layer=%d jacobian=%v\n",
		pair.Config.DModel, pair.Config.DSae, pair.Config.K,
		pair.Config.HookLayer, pair.Config.UseJacobian)

	for _, site := range sae.Sites(pair.Config.UseJacobian) {
		dec := pair.WDec(site)
		rows, _ := dec.Dims()

		norms := make([]float64, rows)
		for f := 0; f < rows; f++ {
			var sq float64
			for _, v := range dec.Row(f) {
				sq += float64(v) * float64(v)
			}
			norms[f] = math.Sqrt(sq)
		}
		sort.Float64s(norms)

		var sum float64
		for _, n := range norms {
			sum += n
		}
		fmt.Printf("site=%s decoder norms: min=%.4f p50=%.4f max=%.4f mean=%.4f\n",
			site, norms[0], norms[rows/2], norms[rows-1], sum/float64(rows))
	}
}

package main

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/r3d91ll/shuttle/pkg/history"
	"github.com/r3d91ll/shuttle/pkg/record"
)

// The synthetic producer mimics an autoregressive capture: one record per
// generated token, each holding the six residual-stream slices at that
// step.
var demoSlices = []string{
	"resid_pre",
	"attn_out",
	"delta_attn",
	"mlp_out",
	"delta_mlp",
	"resid_post",
}

var demoTokens = []string{
	"the", "loom", "weaves", "a", "pattern", "of", "threads",
	"through", "every", "layer", "until", "it", "stops", ".",
}

const demoFeatures = 64

// runDemoProducer appends one synthetic record per interval until ctx is
// cancelled. The arrays random-walk so consecutive frames look related,
// the way real activations do.
func runDemoProducer(ctx context.Context, store *history.Store, interval time.Duration) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// One walker state per slice, carried across steps.
	walkers := make(map[string][]float32, len(demoSlices))
	for _, name := range demoSlices {
		walkers[name] = make([]float32, demoFeatures)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	step := int64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		seqLen := int(step%int64(len(demoTokens))) + 1
		builder := record.NewBuilder()
		builder.SetToken(demoTokens[step%int64(len(demoTokens))]).SetSeqLen(seqLen)

		for _, name := range demoSlices {
			data := nextSlice(rng, walkers[name], seqLen)
			if err := builder.AddComponent(name, data, []int{seqLen, demoFeatures}); err != nil {
				log.Printf("[demo] component %s: %v", name, err)
				return
			}
		}

		rec, err := builder.Build(step)
		if err != nil {
			log.Printf("[demo] build step %d: %v", step, err)
			return
		}
		if err := store.Append(rec); err != nil {
			log.Printf("[demo] append step %d: %v", step, err)
			return
		}
		step++
	}
}

// nextSlice advances the walker and expands it over seqLen positions with
// a positional decay, so meso profiles show structure instead of noise.
func nextSlice(rng *rand.Rand, walker []float32, seqLen int) []float32 {
	for i := range walker {
		walker[i] += float32(rng.NormFloat64() * 0.1)
	}

	data := make([]float32, seqLen*len(walker))
	for pos := 0; pos < seqLen; pos++ {
		decay := float32(math.Exp(-0.2 * float64(seqLen-1-pos)))
		for i, v := range walker {
			data[pos*len(walker)+i] = v*decay + float32(rng.NormFloat64()*0.02)
		}
	}
	return data
}

// Package workload provides the CPU-bound kernel used by duty-cycle workers.
package workload

import (
	"crypto/sha256"
	"math"
	"math/rand/v2"
)

const (
	seedPrefix     = "stress_test_data_"
	seedRandomLen  = 64
	hashRounds     = 100
	floatSteps     = 50
	floatScale     = 0.01
	expModulus     = 10
	lcgSeed        = 104729
	lcgMultiplier  = 1103515245
	lcgIncrement   = 12345
	lcgMask        = 0x7FFFFFFF
	lcgSteps       = 10
	digestFoldBits = 8
)

// Generator runs the workload kernel with its own random source so concurrent
// workers never contend on a shared lock.
type Generator struct {
	rng  *rand.ChaCha8
	seed [len(seedPrefix) + seedRandomLen]byte
}

// NewGenerator returns a Generator seeded from the runtime's random source.
func NewGenerator() *Generator {
	var key [32]byte

	for index := range key {
		key[index] = byte(rand.Uint32())
	}

	generator := &Generator{rng: rand.NewChaCha8(key)}
	copy(generator.seed[:], seedPrefix)

	return generator
}

// Run performs one unit of work with a freshly randomised seed and returns
// its result.
func (g *Generator) Run() float64 {
	_, _ = g.rng.Read(g.seed[len(seedPrefix):])

	return compute(g.seed[:])
}

func compute(seed []byte) float64 {
	digest := sha256.Sum256(seed)
	for range hashRounds - 1 {
		digest = sha256.Sum256(digest[:])
	}

	var accumulator float64

	for step := 1; step < floatSteps; step++ {
		x := float64(step) * floatScale
		accumulator += math.Sin(x) * math.Cos(x) * math.Sqrt(math.Abs(math.Tan(x)+1))
		accumulator += math.Exp(math.Mod(x, expModulus)) / (math.Log(x+1) + 1)
	}

	n := uint64(lcgSeed)
	for range lcgSteps {
		n = (n*lcgMultiplier + lcgIncrement) & lcgMask
	}

	fold := float64(digest[0]) / (1 << digestFoldBits)

	return accumulator + float64(n) + fold
}

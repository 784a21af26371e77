// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"math/rand/v2"
	"time"
)

// ParamInitialSeed is the key for the hyperparameter to use for initial seed (int64). The default is 0,
// which makes it non-deterministic. Set it to a value different from 0 for a deterministic (as long
// as the model doesn't change) initialization.
const ParamInitialSeed = "initializers_seed"

// RngStateReset resets the context random number generator (RNG).
//
// If ParamInitialSeed is set (and different from 0) it is used as seed, otherwise the seed
// is taken from the nanosecond clock.
func (ctx *Context) RngStateReset() {
	seed := GetParamOr(ctx.InAbsPath(RootScope), ParamInitialSeed, int64(0))
	if seed == 0 {
		seed = time.Now().UnixNano()
		ctx.Logger().V(1).Info("random number generator seeded from the clock", "seed", seed)
	}
	ctx.RngStateFromSeed(seed)
}

// RngStateFromSeed initializes the context random number generator (RNG) with a static seed.
// This overrides the seed given in ParamInitialSeed.
func (ctx *Context) RngStateFromSeed(seed int64) {
	ctx.data.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

// Rng returns the context random number generator, used by the variable initializers.
// It is created with RngStateReset the first time it is needed.
func (ctx *Context) Rng() *rand.Rand {
	if ctx.data.rng == nil {
		ctx.RngStateReset()
	}
	return ctx.data.rng
}

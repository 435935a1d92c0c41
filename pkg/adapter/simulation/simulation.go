// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package simulation provides an adapter producing random values, for
// trying out mappings without a device.
package simulation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/turtacn/emqx-edge/pkg/adapter"
)

// Type is the adapter type name.
const Type = "simulation"

// Adapter samples a uniform random value in [min, max] for every mapped tag.
type Adapter struct {
	min, max float64
	integer  bool

	mu  sync.Mutex
	rnd *rand.Rand
}

// Factory creates simulation adapters. Settings: min, max (default 0 and
// 100), integer (true for whole numbers) and seed.
func Factory() adapter.Factory {
	return adapter.NewFactory(Type, func(cfg adapter.Config) (adapter.ProtocolAdapter, error) {
		return New(cfg)
	})
}

// New creates an adapter from the settings of cfg.
func New(cfg adapter.Config) (*Adapter, error) {
	lo, err := strconv.ParseFloat(cfg.Setting("min", "0"), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: min: %w", adapter.ErrInvalidConfig, err)
	}
	hi, err := strconv.ParseFloat(cfg.Setting("max", "100"), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: max: %w", adapter.ErrInvalidConfig, err)
	}
	if hi < lo {
		return nil, fmt.Errorf("%w: max %v below min %v", adapter.ErrInvalidConfig, hi, lo)
	}
	integer, err := strconv.ParseBool(cfg.Setting("integer", "false"))
	if err != nil {
		return nil, fmt.Errorf("%w: integer: %w", adapter.ErrInvalidConfig, err)
	}

	var src rand.Source
	if seed := cfg.Setting("seed", ""); seed != "" {
		n, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: seed: %w", adapter.ErrInvalidConfig, err)
		}
		src = rand.NewPCG(n, n)
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Adapter{min: lo, max: hi, integer: integer, rnd: rand.New(src)}, nil
}

// Start implements adapter.ProtocolAdapter.
func (a *Adapter) Start(context.Context) error { return nil }

// Stop implements adapter.ProtocolAdapter.
func (a *Adapter) Stop(context.Context) error { return nil }

// Poll implements adapter.PollingAdapter.
func (a *Adapter) Poll(ctx context.Context, out *adapter.PollingOutput) error {
	for _, tag := range out.Tags() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := out.CaptureDataSample(tag, a.sample()); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sample() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.integer {
		lo, hi := int64(a.min), int64(a.max)
		return lo + a.rnd.Int64N(hi-lo+1)
	}
	return a.min + a.rnd.Float64()*(a.max-a.min)
}

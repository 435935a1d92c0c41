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

package adapter

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Registry owns the adapter factories and the adapter instances, keyed by
// type and by id.
type Registry struct {
	services Services
	opts     []Option
	logger   *zap.Logger

	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]*Wrapper
}

// NewRegistry creates an empty registry whose adapters get services.
func NewRegistry(services Services, opts ...Option) *Registry {
	return &Registry{
		services:  services,
		opts:      opts,
		logger:    buildOptions(opts).logger,
		factories: make(map[string]Factory),
		adapters:  make(map[string]*Wrapper),
	}
}

// RegisterFactory makes adapters of f.Type() creatable.
func (r *Registry) RegisterFactory(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[f.Type()]; ok {
		return fmt.Errorf("%w: %s", ErrFactoryExists, f.Type())
	}
	r.factories[f.Type()] = f
	return nil
}

// Types returns the registered adapter types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create builds a stopped adapter from cfg.
func (r *Registry) Create(cfg Config) (*Wrapper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[cfg.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterExists, cfg.ID)
	}
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterTypeUnsupported, cfg.Type)
	}
	adapter, err := factory.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("create adapter %s: %w", cfg.ID, err)
	}
	w := NewWrapper(cfg, adapter, r.services, r.opts...)
	r.adapters[cfg.ID] = w
	return w, nil
}

// Get returns the adapter with id.
func (r *Registry) Get(id string) (*Wrapper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.adapters[id]
	return w, ok
}

// List returns the adapters ordered by id.
func (r *Registry) List() []*Wrapper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Wrapper, 0, len(r.adapters))
	for _, w := range r.adapters {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Delete stops a started adapter and removes it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	w, ok := r.adapters[id]
	delete(r.adapters, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	if w.State() == StateStarted {
		return w.Stop(ctx)
	}
	return nil
}

// StartAll starts every adapter not yet started.
func (r *Registry) StartAll(ctx context.Context) error {
	var err error
	for _, w := range r.List() {
		if w.State() == StateStarted {
			continue
		}
		err = multierr.Append(err, w.Start(ctx))
	}
	return err
}

// StopAll stops every started adapter.
func (r *Registry) StopAll(ctx context.Context) error {
	var err error
	for _, w := range r.List() {
		if w.State() != StateStarted {
			continue
		}
		err = multierr.Append(err, w.Stop(ctx))
	}
	return err
}

// Sync makes the registry match cfgs: adapters no longer listed are
// deleted, changed ones are recreated and new ones are created and started.
func (r *Registry) Sync(ctx context.Context, cfgs []Config) error {
	wanted := make(map[string]Config, len(cfgs))
	for _, cfg := range cfgs {
		wanted[cfg.ID] = cfg
	}

	var err error
	for _, w := range r.List() {
		cfg, keep := wanted[w.ID()]
		if keep && reflect.DeepEqual(cfg, w.Config()) {
			delete(wanted, w.ID())
			continue
		}
		r.logger.Info("removing adapter", zap.String("adapter_id", w.ID()), zap.Bool("changed", keep))
		err = multierr.Append(err, r.Delete(ctx, w.ID()))
	}

	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		w, createErr := r.Create(wanted[id])
		if createErr != nil {
			err = multierr.Append(err, createErr)
			continue
		}
		err = multierr.Append(err, w.Start(ctx))
	}
	return err
}

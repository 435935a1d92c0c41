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

package bridge

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/turtacn/emqx-edge/pkg/publish"
)

// Registry holds the forwarders of the broker. It tells the publish
// pipeline which clients are forwarders.
type Registry struct {
	conns *publish.Connections

	mu         sync.RWMutex
	forwarders map[string]*Forwarder
}

var _ publish.BridgeResolver = (*Registry)(nil)

// NewRegistry creates a registry adding forwarders to conns.
func NewRegistry(conns *publish.Connections) *Registry {
	return &Registry{
		conns:      conns,
		forwarders: make(map[string]*Forwarder),
	}
}

// Add registers f as the connection of its client id.
func (r *Registry) Add(f *Forwarder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.forwarders[f.ClientID()]; ok {
		return fmt.Errorf("%w: %s", ErrBridgeExists, f.cfg.ID)
	}
	r.forwarders[f.ClientID()] = f
	r.conns.Register(f)
	return nil
}

// Remove stops the forwarder of bridge id and forgets it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	f, ok := r.forwarders[ClientIDPrefix+id]
	delete(r.forwarders, ClientIDPrefix+id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.conns.Unregister(f)
	return f.Stop(ctx)
}

// Get returns the forwarder of bridge id.
func (r *Registry) Get(id string) (*Forwarder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.forwarders[ClientIDPrefix+id]
	return f, ok
}

// List returns the forwarders sorted by bridge id.
func (r *Registry) List() []*Forwarder {
	r.mu.RLock()
	out := make([]*Forwarder, 0, len(r.forwarders))
	for _, f := range r.forwarders {
		out = append(out, f)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.ID < out[j].cfg.ID })
	return out
}

// Forwarder implements publish.BridgeResolver.
func (r *Registry) Forwarder(clientID string) (publish.BridgeOverrides, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.forwarders[clientID]
	if !ok {
		return publish.BridgeOverrides{}, false
	}
	return publish.BridgeOverrides{QueueLimit: f.cfg.QueueLimit, Persist: f.cfg.Persist}, true
}

// StartAll starts every forwarder.
func (r *Registry) StartAll(ctx context.Context) error {
	var err error
	for _, f := range r.List() {
		err = multierr.Append(err, f.Start(ctx))
	}
	return err
}

// StopAll stops every forwarder.
func (r *Registry) StopAll(ctx context.Context) error {
	var err error
	for _, f := range r.List() {
		err = multierr.Append(err, f.Stop(ctx))
	}
	return err
}

// Sync makes the registry match cfgs. Bridges no longer listed are removed,
// changed ones are rebuilt with create and new ones are created and started.
func (r *Registry) Sync(ctx context.Context, cfgs []Config, create func(Config) (*Forwarder, error)) error {
	wanted := make(map[string]Config, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.MaxInflight == 0 {
			cfg.MaxInflight = defaultMaxInflight
		}
		wanted[cfg.ID] = cfg
	}

	var err error
	for _, f := range r.List() {
		cfg, keep := wanted[f.cfg.ID]
		if keep && reflect.DeepEqual(cfg, f.cfg) {
			delete(wanted, f.cfg.ID)
			continue
		}
		err = multierr.Append(err, r.Remove(ctx, f.cfg.ID))
	}

	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		f, createErr := create(wanted[id])
		if createErr != nil {
			err = multierr.Append(err, createErr)
			continue
		}
		if addErr := r.Add(f); addErr != nil {
			err = multierr.Append(err, addErr)
			continue
		}
		err = multierr.Append(err, f.Start(ctx))
	}
	return err
}

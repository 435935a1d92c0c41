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


package config

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ReloadEvents receives the outcome of every reload.
type ReloadEvents interface {
	ConfigReloaded(path string)
	ConfigReloadFailed(path string, err error)
}

// ReloadHook applies a reloaded configuration to a running component.
type ReloadHook func(ctx context.Context, cfg *Config) error

// Reloader re-reads the configuration file on demand and hands the result
// to the registered hooks. Only the parts the hooks apply change at
// runtime; listener and executor settings need a restart.
type Reloader struct {
	path   string
	events ReloadEvents
	logger *zap.Logger

	mu      sync.Mutex
	current *Config
	hooks   []ReloadHook
}

// NewReloader creates a reloader for the file at path that was loaded as
// initial.
func NewReloader(path string, initial *Config, events ReloadEvents, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{path: path, current: initial, events: events, logger: logger}
}

// OnReload registers hook for every subsequent successful load.
func (r *Reloader) OnReload(hook ReloadHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// Current returns the last applied configuration.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reload loads the file and runs every hook. A file that fails to load or
// validate leaves the current configuration in place. Hook errors are
// combined; the new configuration becomes current regardless.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := LoadConfig(r.path)
	if err != nil {
		r.logger.Error("configuration reload failed", zap.String("path", r.path), zap.Error(err))
		r.events.ConfigReloadFailed(r.path, err)
		return err
	}

	var hookErr error
	for _, hook := range r.hooks {
		hookErr = multierr.Append(hookErr, hook(ctx, cfg))
	}
	r.current = cfg
	if hookErr != nil {
		r.logger.Error("configuration partially applied", zap.String("path", r.path), zap.Error(hookErr))
		r.events.ConfigReloadFailed(r.path, hookErr)
		return hookErr
	}
	r.logger.Info("configuration reloaded", zap.String("path", r.path))
	r.events.ConfigReloaded(r.path)
	return nil
}

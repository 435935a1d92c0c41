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

// Package httpadapter polls an HTTP endpoint and publishes its responses.
package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/flowchartsman/retry"

	"github.com/turtacn/emqx-edge/pkg/adapter"
)

// Type is the adapter type name.
const Type = "http"

const (
	defaultTimeout         = 5 * time.Second
	defaultConnectAttempts = 3
	maxBodySize            = 1 << 20
)

// StatusError reports a response outside 2xx.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Adapter reads one URL per poll. JSON responses are published as decoded
// values, anything else as text, for every mapped tag.
type Adapter struct {
	url             string
	client          *http.Client
	connectAttempts int
}

// Factory creates HTTP adapters. Settings: url (required), timeout_millis
// and connect_attempts.
func Factory() adapter.Factory {
	return adapter.NewFactory(Type, func(cfg adapter.Config) (adapter.ProtocolAdapter, error) {
		return New(cfg)
	})
}

// New creates an adapter from the settings of cfg.
func New(cfg adapter.Config) (*Adapter, error) {
	raw := cfg.Setting("url", "")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q", adapter.ErrInvalidConfig, raw)
	}
	timeout := defaultTimeout
	if v := cfg.Setting("timeout_millis", ""); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("%w: timeout_millis %q", adapter.ErrInvalidConfig, v)
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	attempts, err := strconv.Atoi(cfg.Setting("connect_attempts", strconv.Itoa(defaultConnectAttempts)))
	if err != nil || attempts <= 0 {
		return nil, fmt.Errorf("%w: connect_attempts", adapter.ErrInvalidConfig)
	}
	return &Adapter{
		url:             u.String(),
		client:          &http.Client{Timeout: timeout},
		connectAttempts: attempts,
	}, nil
}

// Start checks that the endpoint answers, retrying with backoff.
func (a *Adapter) Start(ctx context.Context) error {
	retrier := retry.NewRetrier(a.connectAttempts, 100*time.Millisecond, time.Second)
	return retrier.RunContext(ctx, func(ctx context.Context) error {
		_, err := a.fetch(ctx)
		return err
	})
}

// Stop releases idle connections.
func (a *Adapter) Stop(context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

// Poll implements adapter.PollingAdapter.
func (a *Adapter) Poll(ctx context.Context, out *adapter.PollingOutput) error {
	value, err := a.fetch(ctx)
	if err != nil {
		return err
	}
	for _, tag := range out.Tags() {
		if err := out.CaptureDataSample(tag, value); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) fetch(ctx context.Context) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return string(body), nil
	}
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return value, nil
}

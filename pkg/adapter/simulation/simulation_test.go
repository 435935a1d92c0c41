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

package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-edge/pkg/adapter"
)

func config(settings map[string]string) adapter.Config {
	return adapter.Config{
		ID:       "sim",
		Type:     Type,
		Settings: settings,
		Mappings: []adapter.Mapping{{Tag: "t", Topic: "sim/t"}},
	}
}

func TestSamplesStayInRange(t *testing.T) {
	a, err := New(config(map[string]string{"min": "-5", "max": "5", "seed": "7"}))
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		v := a.sample().(float64)
		assert.GreaterOrEqual(t, v, -5.0)
		assert.LessOrEqual(t, v, 5.0)
	}

	ints, err := New(config(map[string]string{"min": "1", "max": "3", "integer": "true"}))
	require.NoError(t, err)
	seen := map[int64]bool{}
	for i := 0; i < 500; i++ {
		seen[ints.sample().(int64)] = true
	}
	assert.Equal(t, map[int64]bool{1: true, 2: true, 3: true}, seen)
}

func TestSeedIsDeterministic(t *testing.T) {
	a, err := New(config(map[string]string{"seed": "42"}))
	require.NoError(t, err)
	b, err := New(config(map[string]string{"seed": "42"}))
	require.NoError(t, err)
	assert.Equal(t, a.sample(), b.sample())
}

func TestInvalidSettings(t *testing.T) {
	for _, settings := range []map[string]string{
		{"min": "x"},
		{"max": "y"},
		{"min": "10", "max": "1"},
		{"integer": "maybe"},
		{"seed": "-1"},
	} {
		_, err := New(config(settings))
		assert.ErrorIs(t, err, adapter.ErrInvalidConfig, "%v", settings)
	}
}

func TestFactory(t *testing.T) {
	f := Factory()
	assert.Equal(t, Type, f.Type())
	a, err := f.Create(config(nil))
	require.NoError(t, err)
	assert.Implements(t, (*adapter.PollingAdapter)(nil), a)
}

func TestPollCapturesEveryTag(t *testing.T) {
	cfg := config(map[string]string{"seed": "1"})
	cfg.Mappings = append(cfg.Mappings, adapter.Mapping{Tag: "u", Topic: "sim/u"})
	a, err := New(cfg)
	require.NoError(t, err)

	out := adapter.NewPollingOutput(cfg, time.Now)
	require.NoError(t, a.Poll(context.Background(), out))
	tags := []string{}
	for _, dp := range out.DataPoints() {
		tags = append(tags, dp.Tag)
	}
	assert.ElementsMatch(t, []string{"t", "u"}, tags)
}

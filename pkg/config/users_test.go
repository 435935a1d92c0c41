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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-edge/pkg/auth"
)

func TestUserManagement(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.AddUser("admin", "admin123", "bcrypt", true))
	require.NoError(t, cfg.AddUser("guest", "guest", "plain", true))
	assert.Error(t, cfg.AddUser("admin", "other", "plain", true), "duplicate user")
	assert.ErrorIs(t, cfg.AddUser("", "x", "plain", true), auth.ErrEmptyUsername)
	assert.ErrorIs(t, cfg.AddUser("x", "x", "md5", true), auth.ErrUnsupportedAlgorithm)

	require.NoError(t, cfg.SetUserEnabled("guest", false))
	assert.False(t, cfg.Auth.Users[1].Enabled)
	assert.NoError(t, validateConfig(cfg))

	require.NoError(t, cfg.RemoveUser("admin"))
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, "guest", cfg.Auth.Users[0].Username)
	assert.ErrorIs(t, cfg.RemoveUser("admin"), auth.ErrUserNotFound)
	assert.ErrorIs(t, cfg.SetUserEnabled("admin", true), auth.ErrUserNotFound)
}

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
	"fmt"

	"github.com/turtacn/emqx-edge/pkg/auth"
)

// AddUser appends a user to the auth section.
func (c *Config) AddUser(username, password, algorithm string, enabled bool) error {
	if username == "" {
		return auth.ErrEmptyUsername
	}
	if password == "" {
		return fmt.Errorf("user %s: password cannot be empty", username)
	}
	if !auth.HashAlgorithm(algorithm).Valid() {
		return fmt.Errorf("%w: %s", auth.ErrUnsupportedAlgorithm, algorithm)
	}
	if c.findUser(username) >= 0 {
		return fmt.Errorf("user %s already exists", username)
	}
	c.Auth.Users = append(c.Auth.Users, UserConfig{
		Username:  username,
		Password:  password,
		Algorithm: algorithm,
		Enabled:   enabled,
	})
	return nil
}

// RemoveUser deletes a user from the auth section.
func (c *Config) RemoveUser(username string) error {
	i := c.findUser(username)
	if i < 0 {
		return fmt.Errorf("%w: %s", auth.ErrUserNotFound, username)
	}
	c.Auth.Users = append(c.Auth.Users[:i], c.Auth.Users[i+1:]...)
	return nil
}

// SetUserEnabled enables or disables a user.
func (c *Config) SetUserEnabled(username string, enabled bool) error {
	i := c.findUser(username)
	if i < 0 {
		return fmt.Errorf("%w: %s", auth.ErrUserNotFound, username)
	}
	c.Auth.Users[i].Enabled = enabled
	return nil
}

func (c *Config) findUser(username string) int {
	for i, u := range c.Auth.Users {
		if u.Username == username {
			return i
		}
	}
	return -1
}

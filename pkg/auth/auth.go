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


// Package auth authenticates MQTT clients by username and password through
// a chain of authenticators.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm is the hashing applied to stored passwords.
type HashAlgorithm string

const (
	// HashPlain stores passwords unhashed.
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 stores salted SHA-256 digests.
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt stores bcrypt hashes.
	HashBcrypt HashAlgorithm = "bcrypt"
)

var (
	// ErrUnsupportedAlgorithm is returned for unknown hash algorithms.
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
	// ErrEmptyUsername is returned when adding a user without name.
	ErrEmptyUsername = errors.New("username cannot be empty")
	// ErrUserNotFound is returned for unknown users.
	ErrUserNotFound = errors.New("user not found")
)

// Valid reports whether a is a supported algorithm.
func (a HashAlgorithm) Valid() bool {
	switch a {
	case HashPlain, HashSHA256, HashBcrypt:
		return true
	}
	return false
}

// Result is the verdict of one authenticator.
type Result int

const (
	// Ignore passes the decision to the next authenticator.
	Ignore Result = iota
	// Success accepts the client.
	Success
	// Failure rejects the client.
	Failure
)

func (r Result) String() string {
	switch r {
	case Ignore:
		return "ignore"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Authenticator checks client credentials.
type Authenticator interface {
	Name() string
	Authenticate(username, password string) Result
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

// Chain asks its authenticators in order. The first Success or Failure
// decides; a chain where every authenticator ignored the client rejects it.
// A disabled or empty chain accepts every client.
type Chain struct {
	logger *zap.Logger

	mu             sync.RWMutex
	enabled        bool
	authenticators []Authenticator
}

// NewChain creates a chain.
func NewChain(enabled bool, opts ...Option) *Chain {
	c := &Chain{logger: zap.NewNop(), enabled: enabled}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add appends a to the chain.
func (c *Chain) Add(a Authenticator) {
	c.mu.Lock()
	c.authenticators = append(c.authenticators, a)
	c.mu.Unlock()
}

// Replace swaps the authenticators and the enabled flag, as done on a
// configuration reload.
func (c *Chain) Replace(enabled bool, authenticators ...Authenticator) {
	c.mu.Lock()
	c.enabled = enabled
	c.authenticators = append([]Authenticator(nil), authenticators...)
	c.mu.Unlock()
}

// Enabled reports whether the chain checks credentials.
func (c *Chain) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Allow reports whether a client presenting username and password may
// connect.
func (c *Chain) Allow(username, password string) bool {
	c.mu.RLock()
	enabled := c.enabled
	authenticators := c.authenticators
	c.mu.RUnlock()

	if !enabled || len(authenticators) == 0 {
		return true
	}
	for _, a := range authenticators {
		switch result := a.Authenticate(username, password); result {
		case Success:
			c.logger.Debug("client authenticated", zap.String("username", username), zap.String("authenticator", a.Name()))
			return true
		case Failure:
			c.logger.Warn("authentication failed", zap.String("username", username), zap.String("authenticator", a.Name()))
			return false
		}
	}
	c.logger.Warn("no authenticator accepted client", zap.String("username", username))
	return false
}

func hashPassword(password, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(salt + password))
		return hex.EncodeToString(sum[:]), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

func verifyPassword(password, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	case HashPlain, HashSHA256:
		expected, err := hashPassword(password, salt, algorithm)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
	default:
		return false
	}
}

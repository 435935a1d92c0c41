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

package mqtt

import (
	"errors"
	"fmt"
	"math"
)

const (
	// SessionExpireOnDisconnect removes the session as soon as the client disconnects.
	SessionExpireOnDisconnect int64 = 0
	// SessionExpiryMax is the largest session expiry interval, meaning never.
	SessionExpiryMax int64 = math.MaxUint32
)

// ErrInvalidSessionExpiry is returned for session expiry intervals outside
// [0, SessionExpiryMax].
var ErrInvalidSessionExpiry = errors.New("invalid session expiry interval")

// ValidateSessionExpiry checks a session expiry interval in seconds.
func ValidateSessionExpiry(expiry int64) error {
	if expiry < SessionExpireOnDisconnect || expiry > SessionExpiryMax {
		return fmt.Errorf("%w: %d", ErrInvalidSessionExpiry, expiry)
	}
	return nil
}

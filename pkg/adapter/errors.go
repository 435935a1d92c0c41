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

import "errors"

// Common adapter errors
var (
	ErrAdapterExists          = errors.New("adapter already exists")
	ErrAdapterNotFound        = errors.New("adapter not found")
	ErrAdapterTypeUnsupported = errors.New("adapter type not supported")
	ErrFactoryExists          = errors.New("adapter factory already registered")
	ErrInvalidConfig          = errors.New("invalid adapter configuration")
	ErrIllegalTransition      = errors.New("illegal state transition")
	ErrNorthboundFailed       = errors.New("northbound connection failed")
	ErrSouthboundFailed       = errors.New("southbound connection failed")
	ErrUnknownTag             = errors.New("no mapping for tag")
	ErrPollingJobNotFound     = errors.New("polling job not found")
)

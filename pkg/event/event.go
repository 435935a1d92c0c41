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

// Package event records broker events such as dropped messages, adapter
// failures and configuration reloads, and fans them out to sinks.
package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/metrics"
)

// Severity of an event.
type Severity int

const (
	// SeverityInfo is informational.
	SeverityInfo Severity = iota
	// SeverityWarn needs attention.
	SeverityWarn
	// SeverityError reports a failure.
	SeverityError
	// SeverityCritical reports a failure needing immediate action.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// Type classifies events.
type Type string

const (
	// TypeAdapter events come from protocol adapters.
	TypeAdapter Type = "adapter"
	// TypeConfiguration events come from configuration reloads.
	TypeConfiguration Type = "configuration"
	// TypeMessageDropped events report dropped messages.
	TypeMessageDropped Type = "message_dropped"
)

// Event is a single fired event.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives every fired event.
type Sink interface {
	Consume(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Consume calls f.
func (f SinkFunc) Consume(e Event) { f(e) }

const defaultHistorySize = 256

// Service fires events to the log, the metrics and the registered sinks, and
// keeps the most recent ones.
type Service struct {
	logger *zap.Logger

	mu      sync.RWMutex
	sinks   []Sink
	history []Event
	next    int
	full    bool
}

// NewService creates a service keeping historySize recent events; zero uses
// the default.
func NewService(logger *zap.Logger, historySize int) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Service{
		logger:  logger,
		history: make([]Event, historySize),
	}
}

// AddSink registers sink for every subsequent event.
func (s *Service) AddSink(sink Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// Fire records e. Missing id and timestamp are filled in.
func (s *Service) Fire(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("source", e.Source),
	}
	if len(e.Payload) > 0 {
		fields = append(fields, zap.Any("payload", e.Payload))
	}
	switch e.Severity {
	case SeverityInfo:
		s.logger.Info(e.Message, fields...)
	case SeverityWarn:
		s.logger.Warn(e.Message, fields...)
	default:
		s.logger.Error(e.Message, fields...)
	}
	metrics.EventsTotal.WithLabelValues(string(e.Type), e.Severity.String()).Inc()

	s.mu.Lock()
	s.history[s.next] = e
	s.next = (s.next + 1) % len(s.history)
	if s.next == 0 {
		s.full = true
	}
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.Consume(e)
	}
}

// Recent returns up to n of the latest events, newest first.
func (s *Service) Recent(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.next
	if s.full {
		count = len(s.history)
	}
	n = min(n, count)
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.history)) % len(s.history)
		out = append(out, s.history[idx])
	}
	return out
}

// AdapterError fires an error event for adapterID.
func (s *Service) AdapterError(adapterID, message string, payload map[string]any) {
	s.Fire(Event{
		Type:     TypeAdapter,
		Severity: SeverityError,
		Source:   adapterID,
		Message:  message,
		Payload:  payload,
	})
}

// AdapterInfo fires an informational event for adapterID.
func (s *Service) AdapterInfo(adapterID, message string) {
	s.Fire(Event{
		Type:     TypeAdapter,
		Severity: SeverityInfo,
		Source:   adapterID,
		Message:  message,
	})
}

// ConfigReloaded fires a successful configuration reload event.
func (s *Service) ConfigReloaded(path string) {
	s.Fire(Event{
		Type:     TypeConfiguration,
		Severity: SeverityInfo,
		Source:   path,
		Message:  "configuration reloaded",
	})
}

// ConfigReloadFailed fires a failed configuration reload event.
func (s *Service) ConfigReloadFailed(path string, err error) {
	s.Fire(Event{
		Type:     TypeConfiguration,
		Severity: SeverityError,
		Source:   path,
		Message:  "configuration reload failed",
		Payload:  map[string]any{"error": err.Error()},
	})
}

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

package event

import (
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/metrics"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
)

// DropReason says why a message was not delivered.
type DropReason string

const (
	// DropQueueFull is a QoS 1/2 queue at its limit.
	DropQueueFull DropReason = "queue_full"
	// DropRetainedQueueFull is a queue at its retained message limit.
	DropRetainedQueueFull DropReason = "retained_queue_full"
	// DropQos0MemoryExceeded is a QoS 0 message over the memory limits.
	DropQos0MemoryExceeded DropReason = "qos0_memory_exceeded"
	// DropExpired is a message whose expiry elapsed while queued.
	DropExpired DropReason = "expired"
	// DropPayloadMissing is a message whose payload reference vanished.
	DropPayloadMissing DropReason = "payload_missing"
	// DropNotConnected is a message that is only kept for connected clients.
	DropNotConnected DropReason = "not_connected"
)

// DropReporter is told about every dropped message.
type DropReporter interface {
	MessageDropped(reason DropReason, queueID string, shared bool, topic string, qos mqtt.QoS)
}

// NopDropReporter ignores drops.
type NopDropReporter struct{}

// MessageDropped implements DropReporter.
func (NopDropReporter) MessageDropped(DropReason, string, bool, string, mqtt.QoS) {}

// LogDropReporter logs drops at debug level and counts them. Drops are
// frequent under load, so they are not recorded as events.
type LogDropReporter struct {
	Logger *zap.Logger
}

// MessageDropped implements DropReporter.
func (r LogDropReporter) MessageDropped(reason DropReason, queueID string, shared bool, topic string, qos mqtt.QoS) {
	metrics.DroppedMessagesTotal.WithLabelValues(string(reason)).Inc()
	if r.Logger == nil {
		return
	}
	r.Logger.Debug("message dropped",
		zap.String("reason", string(reason)),
		zap.String("queue_id", queueID),
		zap.Bool("shared", shared),
		zap.String("topic", topic),
		zap.Uint8("qos", uint8(qos)))
}

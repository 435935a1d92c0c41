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

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
)

// DataPoint is one captured sample.
type DataPoint struct {
	Tag       string
	Value     any
	Timestamp time.Time
}

type sampleEnvelope struct {
	Value     any   `json:"value"`
	Timestamp int64 `json:"timestamp"`
}

// EncodeSample renders a sample as {"value": ..., "timestamp": <unix millis>}.
func EncodeSample(value any, ts time.Time) ([]byte, error) {
	return json.Marshal(sampleEnvelope{Value: value, Timestamp: ts.UnixMilli()})
}

// PollingOutput collects the samples of one poll.
type PollingOutput struct {
	adapterID string
	mappings  map[string][]Mapping
	now       func() time.Time
	points    []DataPoint
}

// NewPollingOutput creates the output of one poll of the adapter cfg.
func NewPollingOutput(cfg Config, now func() time.Time) *PollingOutput {
	mappings := make(map[string][]Mapping, len(cfg.Mappings))
	for _, m := range cfg.Mappings {
		mappings[m.Tag] = append(mappings[m.Tag], m)
	}
	return &PollingOutput{adapterID: cfg.ID, mappings: mappings, now: now}
}

// CaptureDataSample records value for tag, stamped with the current time.
// Tags without a mapping are rejected.
func (o *PollingOutput) CaptureDataSample(tag string, value any) error {
	if _, ok := o.mappings[tag]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	o.points = append(o.points, DataPoint{Tag: tag, Value: value, Timestamp: o.now()})
	return nil
}

// DataPoints returns the captured samples in capture order.
func (o *PollingOutput) DataPoints() []DataPoint {
	return o.points
}

// Tags returns the mapped tags.
func (o *PollingOutput) Tags() []string {
	tags := make([]string, 0, len(o.mappings))
	for tag := range o.mappings {
		tags = append(tags, tag)
	}
	return tags
}

// publishes builds one publish per sample and mapping.
func (o *PollingOutput) publishes() ([]*mqtt.Publish, error) {
	var out []*mqtt.Publish
	for _, dp := range o.points {
		body, err := EncodeSample(dp.Value, dp.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("encode sample of %s: %w", dp.Tag, err)
		}
		for _, m := range o.mappings[dp.Tag] {
			p := mqtt.NewPublish(m.Topic, body, m.QoS, false)
			p.PublisherID = o.adapterID
			p.ContentType = "application/json"
			p.Timestamp = dp.Timestamp
			out = append(out, p)
		}
	}
	return out, nil
}

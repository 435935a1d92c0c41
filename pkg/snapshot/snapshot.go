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

// Package snapshot saves the retained messages of the broker to a bbolt file
// on shutdown and republishes them on startup.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	bbolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/persistence"
	"github.com/turtacn/emqx-edge/pkg/publish"
	"github.com/turtacn/emqx-edge/pkg/retained"
)

const (
	fileMode   os.FileMode = 0o600
	bucketName             = "retained_messages"
	// Sender is the publisher id of republished retained messages.
	Sender = "$snapshot"
)

var (
	openTimeout = 5 * time.Second
	// ErrPayloadMissing is returned when a retained message lost its payload
	// during export.
	ErrPayloadMissing = errors.New("snapshot: retained payload missing")
)

// Payloads resolves payload ids.
type Payloads interface {
	Get(id uint64) ([]byte, error)
}

type record struct {
	Topic           string              `json:"topic"`
	Payload         []byte              `json:"payload"`
	QoS             mqtt.QoS            `json:"qos"`
	PublisherID     string              `json:"publisher_id,omitempty"`
	UserProperties  []mqtt.UserProperty `json:"user_properties,omitempty"`
	ResponseTopic   string              `json:"response_topic,omitempty"`
	ContentType     string              `json:"content_type,omitempty"`
	CorrelationData []byte              `json:"correlation_data,omitempty"`
	MessageExpiry   int64               `json:"message_expiry"`
	Timestamp       time.Time           `json:"timestamp"`
}

// Option configures a Snapshotter.
type Option func(*Snapshotter)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Snapshotter) {
		s.logger = logger
	}
}

// WithClock sets the time source used to skip expired messages.
func WithClock(now func() time.Time) Option {
	return func(s *Snapshotter) {
		s.now = now
	}
}

// Snapshotter exports and imports retained messages.
type Snapshotter struct {
	retained  *persistence.Retained
	payloads  Payloads
	publisher publish.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a snapshotter reading from retainedMessages and republishing
// through publisher.
func New(retainedMessages *persistence.Retained, payloads Payloads, publisher publish.Publisher, opts ...Option) *Snapshotter {
	s := &Snapshotter{
		retained:  retainedMessages,
		payloads:  payloads,
		publisher: publisher,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func open(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: openTimeout, NoGrowSync: true})
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening %s: %w", path, err)
	}
	return db, nil
}

// Export replaces the content of the snapshot at path with the current
// retained messages. Expired messages are left out. It returns the number of
// messages written.
func (s *Snapshotter) Export(ctx context.Context, path string) (int, error) {
	now := s.now()
	var records []record
	collected := s.retained.ForEach(func(msg *retained.Message) error {
		if msg.IsExpired(now) {
			return nil
		}
		data, err := s.payloads.Get(msg.PayloadID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrPayloadMissing, msg.Topic)
		}
		records = append(records, record{
			Topic:           msg.Topic,
			Payload:         data,
			QoS:             msg.QoS,
			PublisherID:     msg.PublisherID,
			UserProperties:  msg.UserProperties,
			ResponseTopic:   msg.ResponseTopic,
			ContentType:     msg.ContentType,
			CorrelationData: msg.CorrelationData,
			MessageExpiry:   msg.MessageExpiry,
			Timestamp:       msg.Timestamp,
		})
		return nil
	})
	if _, err := collected.Await(ctx); err != nil {
		return 0, err
	}

	db, err := open(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	err = db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketName)) != nil {
			if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
				return err
			}
		}
		bucket, err := tx.CreateBucket([]byte(bucketName))
		if err != nil {
			return err
		}
		for _, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(r.Topic), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("snapshot: writing %s: %w", path, err)
	}
	s.logger.Info("retained messages exported", zap.String("path", path), zap.Int("count", len(records)))
	return len(records), nil
}

// Import republishes the retained messages stored at path. A missing file is
// an empty snapshot. Messages that expired since the export are skipped.
func (s *Snapshotter) Import(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	db, err := open(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var records []record
	err = db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("snapshot: reading %s: %w", path, err)
	}

	now := s.now()
	imported := 0
	for _, r := range records {
		if r.MessageExpiry != mqtt.MessageExpiryNotSet && mqtt.RemainingExpiry(r.MessageExpiry, r.Timestamp, now) == 0 {
			continue
		}
		p := mqtt.NewPublish(r.Topic, r.Payload, r.QoS, true)
		p.PublisherID = r.PublisherID
		p.UserProperties = r.UserProperties
		p.ResponseTopic = r.ResponseTopic
		p.ContentType = r.ContentType
		p.CorrelationData = r.CorrelationData
		p.MessageExpiry = r.MessageExpiry
		p.Timestamp = r.Timestamp
		if _, err := s.publisher.Publish(ctx, p, Sender).Await(ctx); err != nil {
			return imported, fmt.Errorf("snapshot: republishing %s: %w", r.Topic, err)
		}
		imported++
	}
	s.logger.Info("retained messages imported", zap.String("path", path), zap.Int("count", imported))
	return imported, nil
}

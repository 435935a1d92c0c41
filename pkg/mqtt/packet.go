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
	"time"

	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
)

// FromPacket converts a decoded PUBLISH packet into a Publish sent by publisherID.
func FromPacket(pk *packets.Packet, publisherID string, now time.Time) *Publish {
	p := &Publish{
		UniqueID:        uuid.NewString(),
		PublisherID:     publisherID,
		Topic:           pk.TopicName,
		Payload:         pk.Payload,
		PayloadSize:     len(pk.Payload),
		QoS:             QoS(pk.FixedHeader.Qos),
		Retain:          pk.FixedHeader.Retain,
		Dup:             pk.FixedHeader.Dup,
		PacketID:        pk.PacketID,
		MessageExpiry:   MessageExpiryNotSet,
		Timestamp:       now,
		ResponseTopic:   pk.Properties.ResponseTopic,
		ContentType:     pk.Properties.ContentType,
		CorrelationData: pk.Properties.CorrelationData,
	}
	if pk.Properties.MessageExpiryInterval > 0 {
		p.MessageExpiry = int64(pk.Properties.MessageExpiryInterval)
	}
	for _, up := range pk.Properties.User {
		p.UserProperties = append(p.UserProperties, UserProperty{Name: up.Key, Value: up.Val})
	}
	return p
}

// ToPacket builds the outgoing PUBLISH packet. The message expiry is sent as
// the remaining interval at now.
func (p *Publish) ToPacket(protocolVersion byte, now time.Time) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    byte(p.QoS),
			Retain: p.Retain,
			Dup:    p.Dup,
		},
		ProtocolVersion: protocolVersion,
		TopicName:       p.Topic,
		Payload:         p.Payload,
	}
	if p.QoS > AtMostOnce {
		pk.PacketID = p.PacketID
	}
	if protocolVersion < 5 {
		return pk
	}

	if p.HasExpiry() {
		pk.Properties.MessageExpiryInterval = uint32(min(p.RemainingExpiry(now), SessionExpiryMax))
	}
	pk.Properties.ResponseTopic = p.ResponseTopic
	pk.Properties.ContentType = p.ContentType
	pk.Properties.CorrelationData = p.CorrelationData
	pk.Properties.SubscriptionIdentifier = p.SubscriptionIdentifiers
	for _, up := range p.UserProperties {
		pk.Properties.User = append(pk.Properties.User, packets.UserProperty{Key: up.Name, Val: up.Value})
	}
	return pk
}

// ToPacket builds the outgoing PUBREL packet.
func (r *PubRel) ToPacket(protocolVersion byte) *packets.Packet {
	return &packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pubrel,
			Qos:  1,
		},
		ProtocolVersion: protocolVersion,
		PacketID:        r.PacketID,
	}
}

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


package broker

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/mochi-mqtt/server/v2/packets"
)

// Reason codes used in CONNACK, SUBACK and UNSUBACK.
const (
	codeSuccess                byte = 0x00
	codeNoMatchingSubscribers  byte = 0x10
	codeNoSubscriptionExisted  byte = 0x11
	codeUnspecifiedError       byte = 0x80
	codeClientIDNotValid       byte = 0x85
	codeBadUsernameOrPassword  byte = 0x86
	codeBanned                 byte = 0x8A
	codeTopicFilterInvalid     byte = 0x8F
	codeSessionTakenOver       byte = 0x8E
	codeDisconnectWithWill     byte = 0x04
	code3IdentifierRejected    byte = 0x02
	code3BadUsernameOrPassword byte = 0x04
	code3NotAuthorized         byte = 0x05
	code3SubscribeFailure      byte = 0x80
	protocolVersion5           byte = 5
)

// readPacket reads a full MQTT packet. version is the protocol version of
// the connection, zero before CONNECT.
func readPacket(r *bufio.Reader, version byte) (*packets.Packet, error) {
	fh := new(packets.FixedHeader)
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if err := fh.Decode(b); err != nil {
		return nil, err
	}
	rem, _, err := packets.DecodeLength(r)
	if err != nil {
		return nil, err
	}
	fh.Remaining = rem

	buf := make([]byte, fh.Remaining)
	if fh.Remaining > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh, ProtocolVersion: version}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Puback:
		err = pk.PubackDecode(buf)
	case packets.Pubrec:
		err = pk.PubrecDecode(buf)
	case packets.Pubrel:
		err = pk.PubrelDecode(buf)
	case packets.Pubcomp:
		err = pk.PubcompDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	default:
		err = fmt.Errorf("unsupported packet type %d", pk.FixedHeader.Type)
	}
	if err != nil {
		return nil, err
	}
	return pk, nil
}

// encodePacket encodes pk.
func encodePacket(pk *packets.Packet) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Publish:
		err = pk.PublishEncode(&buf)
	case packets.Puback:
		err = pk.PubackEncode(&buf)
	case packets.Pubrec:
		err = pk.PubrecEncode(&buf)
	case packets.Pubrel:
		err = pk.PubrelEncode(&buf)
	case packets.Pubcomp:
		err = pk.PubcompEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Unsuback:
		err = pk.UnsubackEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	case packets.Disconnect:
		err = pk.DisconnectEncode(&buf)
	default:
		return nil, fmt.Errorf("unsupported packet type for writing: %v", pk.FixedHeader.Type)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePacket(w io.Writer, pk *packets.Packet) error {
	data, err := encodePacket(pk)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func connack(version, code byte, sessionPresent bool) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connack},
		ProtocolVersion: version,
		ReasonCode:      code,
		SessionPresent:  sessionPresent,
	}
}

func ack(typ, version byte, packetID uint16, code byte) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: typ},
		ProtocolVersion: version,
		PacketID:        packetID,
		ReasonCode:      code,
	}
	if typ == packets.Pubrel {
		pk.FixedHeader.Qos = 1
	}
	return pk
}

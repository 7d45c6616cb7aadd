/*
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shmring

import (
	"encoding/binary"
	"fmt"
)

// packetHeader is the 64-byte V1 framing header at the front of every ring
// node carrying RPC traffic. Little-endian, no padding between fields on the
// wire; the fixed size reserves headroom for future fields.
//
// msg_type(1) | msg_id(8) | payload_size(4) | current_packet(2) | total_packets(2) | response_id(8) | reserved
type packetHeader []byte

func (h packetHeader) MsgType() msgType {
	return msgType(h[0])
}

func (h packetHeader) MsgID() uint64 {
	return binary.LittleEndian.Uint64(h[1:9])
}

// PayloadSize is the total byte size of the whole message, not of this packet.
func (h packetHeader) PayloadSize() uint32 {
	return binary.LittleEndian.Uint32(h[9:13])
}

// CurrentPacket is 1-based.
func (h packetHeader) CurrentPacket() uint16 {
	return binary.LittleEndian.Uint16(h[13:15])
}

func (h packetHeader) TotalPackets() uint16 {
	return binary.LittleEndian.Uint16(h[15:17])
}

// ResponseID is the peer's msg_id being replied to; 0 for requests.
func (h packetHeader) ResponseID() uint64 {
	return binary.LittleEndian.Uint64(h[17:25])
}

func (h packetHeader) String() string {
	return fmt.Sprintf("MsgType:%d MsgID:%d PayloadSize:%d CurrentPacket:%d TotalPackets:%d ResponseID:%d",
		h.MsgType(), h.MsgID(), h.PayloadSize(), h.CurrentPacket(), h.TotalPackets(), h.ResponseID())
}

func (h packetHeader) encode(t msgType, msgID uint64, payloadSize uint32, current, total uint16, responseID uint64) {
	h[0] = uint8(t)
	binary.LittleEndian.PutUint64(h[1:9], msgID)
	binary.LittleEndian.PutUint32(h[9:13], payloadSize)
	binary.LittleEndian.PutUint16(h[13:15], current)
	binary.LittleEndian.PutUint16(h[15:17], total)
	binary.LittleEndian.PutUint64(h[17:25], responseID)
	for i := 25; i < packetHeaderSize; i++ {
		h[i] = 0
	}
}

func checkPacketValid(h packetHeader) error {
	if len(h) < packetHeaderSize {
		return ErrMalformedFrame
	}
	if t := h.MsgType(); t < msgRequest || t > msgError {
		return ErrMalformedFrame
	}
	if h.TotalPackets() < 1 || h.CurrentPacket() < 1 || h.CurrentPacket() > h.TotalPackets() {
		return ErrMalformedFrame
	}
	return nil
}

// packetBodyLen is the body byte count of packet `current` of `total` in a
// message of payloadSize bytes split into bodyPerPacket-sized chunks.
func packetBodyLen(payloadSize uint32, current, total uint16, bodyPerPacket int) int {
	if total == 1 {
		return int(payloadSize)
	}
	if current < total {
		return bodyPerPacket
	}
	rem := int(payloadSize) % bodyPerPacket
	if rem == 0 {
		return bodyPerPacket
	}
	return rem
}

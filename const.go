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

import "time"

// protoVersion is the only packet framing version we support.
const protoVersion uint8 = 1

type msgType uint8

const (
	msgRequest  msgType = 1
	msgResponse msgType = 2
	msgError    msgType = 3
)

const (
	// regionHeaderSize is the Shared Region header: size(8) + shutdown(4) + padding(4).
	regionHeaderSize = 16

	// ringNodeHeaderSize is the Ring's Node Header: four 32bit cursors plus
	// node_count and node_buffer_size.
	ringNodeHeaderSize = 24

	// ringWakeHeaderSize holds the two futex words backing data_exists/slot_available,
	// sitting immediately after the Node Header.
	ringWakeHeaderSize = 8

	// ringNodeEntrySize is one Node Table entry: next,prev,done_read,done_write,
	// offset,index,amount_written packed into 32 bytes (7 uint32 fields + 4 reserved).
	ringNodeEntrySize = 32

	packetHeaderSize = 64

	minBufferCapacity = 256
	maxBufferCapacity = 1024 * 1024
	minNodeCount      = 2

	ownerMutexSuffix      = "_owner_mutex"
	peerToOwnerRingSuffix = "_peer2owner"
	ownerToPeerRingSuffix = "_owner2peer"

	defaultReceiveThreads = 1

	// recvPollTimeout bounds a single Ring.read inside a receive worker loop
	// so the worker can observe shutdown between waits.
	recvPollTimeout = 500 * time.Millisecond

	// sendPacketTimeout bounds a single Ring.write while sending one packet.
	sendPacketTimeout = 1000 * time.Millisecond

	monitorPeriod = 30 * time.Second
)

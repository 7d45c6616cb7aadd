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

import "sync/atomic"

// Monitor could emit some metrics with periodically
type Monitor interface {
	// OnEmitChannelMetrics was called by Channel with periodically.
	OnEmitChannelMetrics(ChannelMetrics, *Channel)
	// flush metrics
	Flush() error
}

// stats is the channel's counter bundle. All fields are updated with relaxed
// atomics outside the hot CAS paths; increments are idempotent and "last"
// stamps are last-writer-wins, so no per-field writer discipline is needed.
type stats struct {
	requestsSent      uint64
	responsesSent     uint64
	errorsSent        uint64
	requestsReceived  uint64
	responsesReceived uint64
	errorsReceived    uint64

	outFlowBytes   uint64
	inFlowBytes    uint64
	packetsSent    uint64
	packetsRecv    uint64
	largestSent    uint64
	largestRecv    uint64
	lastMsgSizeOut uint64
	lastMsgSizeIn  uint64
	maxSendWait    uint64 // nanoseconds spent blocked in one packet write
	maxRecvWait    uint64 // nanoseconds spent blocked in one packet read

	discardedResponses uint64
	lastDiscardedID    uint64
	timeoutCount       uint64
	lastTimeoutAt      uint64 // unix nanoseconds
	malformedFrames    uint64
}

func (s *stats) reset() {
	atomic.StoreUint64(&s.requestsSent, 0)
	atomic.StoreUint64(&s.responsesSent, 0)
	atomic.StoreUint64(&s.errorsSent, 0)
	atomic.StoreUint64(&s.requestsReceived, 0)
	atomic.StoreUint64(&s.responsesReceived, 0)
	atomic.StoreUint64(&s.errorsReceived, 0)
	atomic.StoreUint64(&s.outFlowBytes, 0)
	atomic.StoreUint64(&s.inFlowBytes, 0)
	atomic.StoreUint64(&s.packetsSent, 0)
	atomic.StoreUint64(&s.packetsRecv, 0)
	atomic.StoreUint64(&s.largestSent, 0)
	atomic.StoreUint64(&s.largestRecv, 0)
	atomic.StoreUint64(&s.lastMsgSizeOut, 0)
	atomic.StoreUint64(&s.lastMsgSizeIn, 0)
	atomic.StoreUint64(&s.maxSendWait, 0)
	atomic.StoreUint64(&s.maxRecvWait, 0)
	atomic.StoreUint64(&s.discardedResponses, 0)
	atomic.StoreUint64(&s.lastDiscardedID, 0)
	atomic.StoreUint64(&s.timeoutCount, 0)
	atomic.StoreUint64(&s.lastTimeoutAt, 0)
	atomic.StoreUint64(&s.malformedFrames, 0)
}

// storeMax bumps *addr up to v if v is larger. Racing stores may settle on a
// slightly stale maximum, which is fine for monitoring counters.
func storeMax(addr *uint64, v uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if v <= cur || atomic.CompareAndSwapUint64(addr, cur, v) {
			return
		}
	}
}

//ChannelMetrics is a point-in-time snapshot of a Channel's counters
type ChannelMetrics struct {
	RequestsSent      uint64 //the request count that channel had sent
	ResponsesSent     uint64 //the response count that channel had sent
	ErrorsSent        uint64 //the error reply count that channel had sent
	RequestsReceived  uint64 //the request count that channel had received
	ResponsesReceived uint64 //the response count that channel had received
	ErrorsReceived    uint64 //the error reply count that channel had received

	OutFlowBytes          uint64 //the out flow in bytes that channel had sent
	InFlowBytes           uint64 //the in flow in bytes that channel had received
	PacketsSent           uint64 //the packet count that channel had sent
	PacketsReceived       uint64 //the packet count that channel had received
	LargestPacketSent     uint64 //the largest single packet sent, in bytes
	LargestPacketReceived uint64 //the largest single packet received, in bytes
	LastMessageSizeSent   uint64 //the payload size of the last message sent
	LastMessageSizeRecv   uint64 //the payload size of the last message received
	MaxSendWaitNanos      uint64 //the longest a single packet write blocked
	MaxRecvWaitNanos      uint64 //the longest a single packet read blocked

	//the count of response packets that arrived after their request record
	//was already removed (usually because the caller timed out)
	DiscardedResponses uint64
	LastDiscardedID    uint64 //the response_id of the last discarded response
	TimeoutCount       uint64 //the count of RemoteRequest calls that timed out
	LastTimeoutAt      uint64 //unix nanoseconds of the last timeout
	MalformedFrames    uint64 //the count of packets dropped by header validation
}

func (s *stats) snapshot() ChannelMetrics {
	return ChannelMetrics{
		RequestsSent:          atomic.LoadUint64(&s.requestsSent),
		ResponsesSent:         atomic.LoadUint64(&s.responsesSent),
		ErrorsSent:            atomic.LoadUint64(&s.errorsSent),
		RequestsReceived:      atomic.LoadUint64(&s.requestsReceived),
		ResponsesReceived:     atomic.LoadUint64(&s.responsesReceived),
		ErrorsReceived:        atomic.LoadUint64(&s.errorsReceived),
		OutFlowBytes:          atomic.LoadUint64(&s.outFlowBytes),
		InFlowBytes:           atomic.LoadUint64(&s.inFlowBytes),
		PacketsSent:           atomic.LoadUint64(&s.packetsSent),
		PacketsReceived:       atomic.LoadUint64(&s.packetsRecv),
		LargestPacketSent:     atomic.LoadUint64(&s.largestSent),
		LargestPacketReceived: atomic.LoadUint64(&s.largestRecv),
		LastMessageSizeSent:   atomic.LoadUint64(&s.lastMsgSizeOut),
		LastMessageSizeRecv:   atomic.LoadUint64(&s.lastMsgSizeIn),
		MaxSendWaitNanos:      atomic.LoadUint64(&s.maxSendWait),
		MaxRecvWaitNanos:      atomic.LoadUint64(&s.maxRecvWait),
		DiscardedResponses:    atomic.LoadUint64(&s.discardedResponses),
		LastDiscardedID:       atomic.LoadUint64(&s.lastDiscardedID),
		TimeoutCount:          atomic.LoadUint64(&s.timeoutCount),
		LastTimeoutAt:         atomic.LoadUint64(&s.lastTimeoutAt),
		MalformedFrames:       atomic.LoadUint64(&s.malformedFrames),
	}
}

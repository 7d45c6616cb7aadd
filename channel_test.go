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
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// testChannelPair builds both endpoints of one channel in-process. The first
// construction wins the election and becomes the owner.
func testChannelPair(t *testing.T, clientConf, serverConf *Config, serverHandler *Handler) (client, server *Channel) {
	name := testResourceName(t, "chan")
	client, err := NewChannel(name, nil, clientConf)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, client.IsOwner())

	server, err = NewChannel(name, serverHandler, serverConf)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, server.IsOwner())
	return client, server
}

func TestChannelAddition(t *testing.T) {
	add := SyncBytesHandler(func(id uint64, p []byte) ([]byte, error) {
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(int32(p[0])+int32(p[1])))
		return out, nil
	})
	client, server := testChannelPair(t, nil, nil, add)
	defer client.Dispose()
	defer server.Dispose()

	resp, err := client.RemoteRequest(context.Background(), []byte{123, 10}, 3*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, resp.Success)
	assert.Equal(t, []byte{0x85, 0x00, 0x00, 0x00}, resp.Data)

	m := client.GetMetrics()
	assert.Equal(t, uint64(1), m.RequestsSent)
	assert.Equal(t, uint64(1), m.ResponsesReceived)
}

func TestChannelLargeMessage(t *testing.T) {
	mul := SyncBytesHandler(func(id uint64, p []byte) ([]byte, error) {
		return []byte{p[0] * p[1]}, nil
	})
	conf := DefaultConfig()
	conf.BufferCapacity = 256
	client, server := testChannelPair(t, conf, conf, mul)
	defer client.Dispose()
	defer server.Dispose()

	payload := make([]byte, 524288)
	payload[0], payload[1] = 3, 3
	resp, err := client.RemoteRequest(context.Background(), payload, 30*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, resp.Success)
	assert.Equal(t, []byte{9}, resp.Data)

	// ceil(524288 / (256-64)) framed packets carried the request
	assert.Equal(t, uint64(2731), client.GetMetrics().PacketsSent)
	assert.Equal(t, uint64(524288), server.GetMetrics().LastMessageSizeRecv)
}

func TestChannelLargeResponseMultiWorker(t *testing.T) {
	// a multi-packet response reassembled by a pool of two workers must be
	// byte-for-byte intact: completion is counted, not tag-detected, so a
	// worker holding the last-numbered packet can't release the caller
	// while another is still copying an earlier chunk
	echo := SyncBytesHandler(func(id uint64, p []byte) ([]byte, error) {
		return p, nil
	})
	conf := DefaultConfig()
	conf.BufferCapacity = 256
	conf.ReceiveThreads = 2
	client, server := testChannelPair(t, conf, conf, echo)
	defer client.Dispose()
	defer server.Dispose()

	payload := make([]byte, 100*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	for round := 0; round < 10; round++ {
		resp, err := client.RemoteRequest(context.Background(), payload, 30*time.Second)
		assert.Equal(t, nil, err)
		assert.Equal(t, true, resp.Success)
		assert.Equal(t, payload, resp.Data, "round %d response payload must survive reassembly", round)
	}
}

func TestChannelHandlerError(t *testing.T) {
	boom := SyncBytesHandler(func(id uint64, p []byte) ([]byte, error) {
		panic("handler exploded")
	})
	client, server := testChannelPair(t, nil, nil, boom)
	defer client.Dispose()
	defer server.Dispose()

	resp, err := client.RemoteRequest(context.Background(), nil, 3*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, resp.Success)
	assert.Equal(t, 0, len(resp.Data))

	assert.Equal(t, uint64(1), server.GetMetrics().ErrorsSent)
	assert.Equal(t, uint64(1), client.GetMetrics().ErrorsReceived)
}

func TestChannelReturnedErrorAlsoFails(t *testing.T) {
	failing := SyncBytesHandler(func(id uint64, p []byte) ([]byte, error) {
		return nil, errors.New("no can do")
	})
	client, server := testChannelPair(t, nil, nil, failing)
	defer client.Dispose()
	defer server.Dispose()

	resp, err := client.RemoteRequest(context.Background(), []byte{1}, 3*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, resp.Success)
}

func TestChannelTimeout(t *testing.T) {
	slow := SyncBytesHandler(func(id uint64, p []byte) ([]byte, error) {
		time.Sleep(time.Second)
		return []byte{9}, nil
	})
	client, server := testChannelPair(t, nil, nil, slow)
	defer client.Dispose()
	defer server.Dispose()

	begin := time.Now()
	resp, err := client.RemoteRequest(context.Background(), []byte{3, 3}, 100*time.Millisecond)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, resp.Success)
	assert.Equal(t, true, time.Since(begin) < 500*time.Millisecond, "caller must unblock at its timeout")

	m := client.GetMetrics()
	assert.Equal(t, uint64(1), m.TimeoutCount)
	assert.NotEqual(t, uint64(0), m.LastTimeoutAt)

	// the late reply has no correlator left and is counted as discarded
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, uint64(1), client.GetMetrics().DiscardedResponses)
}

func TestChannelNestedCall(t *testing.T) {
	name := testResourceName(t, "nested")

	mul := SyncBytesHandler(func(id uint64, p []byte) ([]byte, error) {
		return []byte{p[0] * p[1]}, nil
	})
	confA := DefaultConfig()
	confA.ReceiveThreads = 2
	chanA, err := NewChannel(name, mul, confA)
	assert.Equal(t, nil, err)
	defer chanA.Dispose()

	// B's handler issues a nested request on its own channel, so B needs a
	// second worker to receive the nested reply while the first is blocked
	var chanB *Channel
	nested := SyncBytesHandler(func(id uint64, p []byte) ([]byte, error) {
		resp, err := chanB.RemoteRequest(context.Background(), []byte{3, 3}, 3*time.Second)
		if err != nil || !resp.Success {
			return nil, errors.New("nested request failed")
		}
		return resp.Data, nil
	})
	confB := DefaultConfig()
	confB.ReceiveThreads = 2
	chanB, err = NewChannel(name, nested, confB)
	assert.Equal(t, nil, err)
	defer chanB.Dispose()

	resp, err := chanA.RemoteRequest(context.Background(), nil, 5*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, resp.Success)
	assert.Equal(t, []byte{9}, resp.Data)
}

func TestChannelZeroPayload(t *testing.T) {
	var sawEmpty uint32
	echo := SyncVoidHandler(func(id uint64, p []byte) {
		if len(p) == 0 {
			atomic.StoreUint32(&sawEmpty, 1)
		}
	})
	client, server := testChannelPair(t, nil, nil, echo)
	defer client.Dispose()
	defer server.Dispose()

	resp, err := client.RemoteRequest(context.Background(), nil, 3*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, resp.Success)
	assert.Equal(t, 0, len(resp.Data))
	assert.Equal(t, uint32(1), atomic.LoadUint32(&sawEmpty))

	// a zero-length payload still produces exactly one packet
	assert.Equal(t, uint64(1), client.GetMetrics().PacketsSent)
}

func TestChannelFireAndForget(t *testing.T) {
	var handled uint32
	h := AsyncVoidHandler(func(id uint64, p []byte) {
		atomic.AddUint32(&handled, 1)
	})
	client, server := testChannelPair(t, nil, nil, h)
	defer client.Dispose()
	defer server.Dispose()

	begin := time.Now()
	resp, err := client.RemoteRequest(context.Background(), []byte{1}, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, resp.Success, "fire-and-forget never reports success")
	assert.Equal(t, true, time.Since(begin) < 200*time.Millisecond, "fire-and-forget never blocks")

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadUint32(&handled) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, uint32(1), atomic.LoadUint32(&handled))
}

func TestChannelAsyncRequest(t *testing.T) {
	double := SyncBytesHandler(func(id uint64, p []byte) ([]byte, error) {
		return []byte{p[0] * 2}, nil
	})
	client, server := testChannelPair(t, nil, nil, double)
	defer client.Dispose()
	defer server.Dispose()

	p, err := client.RemoteRequestAsync([]byte{21}, 3*time.Second)
	assert.Equal(t, nil, err)

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("async request did not complete")
	}
	resp := p.Wait(nil)
	assert.Equal(t, true, resp.Success)
	assert.Equal(t, []byte{42}, resp.Data)
}

func TestChannelCancellation(t *testing.T) {
	slow := SyncBytesHandler(func(id uint64, p []byte) ([]byte, error) {
		time.Sleep(2 * time.Second)
		return nil, nil
	})
	client, server := testChannelPair(t, nil, nil, slow)
	defer client.Dispose()
	defer server.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	begin := time.Now()
	resp, err := client.RemoteRequest(ctx, []byte{1}, 10*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, resp.Success)
	assert.Equal(t, true, time.Since(begin) < time.Second, "cancellation must unblock the caller early")
}

func TestChannelOwnerTeardown(t *testing.T) {
	h := SyncVoidHandler(func(id uint64, p []byte) {})
	client, server := testChannelPair(t, nil, nil, h)

	client.Dispose()

	// the peer observes shutdown either on its next send or via its workers
	deadline := time.Now().Add(3 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		_, err = server.RemoteRequest(context.Background(), []byte{1}, 100*time.Millisecond)
		if errors.Is(err, ErrShutdown) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, true, errors.Is(err, ErrShutdown))
	server.Dispose()
}

func TestChannelDisposedRejectsRequests(t *testing.T) {
	client, server := testChannelPair(t, nil, nil, nil)
	server.Dispose()
	client.Dispose()

	_, err := client.RemoteRequest(context.Background(), []byte{1}, time.Second)
	assert.Equal(t, true, errors.Is(err, ErrAlreadyDisposed))
	client.Dispose() // idempotent
}

func TestChannelMetricsReset(t *testing.T) {
	h := SyncVoidHandler(func(id uint64, p []byte) {})
	client, server := testChannelPair(t, nil, nil, h)
	defer client.Dispose()
	defer server.Dispose()

	resp, err := client.RemoteRequest(context.Background(), []byte{1, 2, 3}, 3*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, resp.Success)
	assert.NotEqual(t, uint64(0), client.GetMetrics().OutFlowBytes)

	client.ResetMetrics()
	m := client.GetMetrics()
	assert.Equal(t, uint64(0), m.OutFlowBytes)
	assert.Equal(t, uint64(0), m.RequestsSent)
}

type testMonitor struct {
	emitted uint32
	flushed uint32
}

func (m *testMonitor) OnEmitChannelMetrics(ChannelMetrics, *Channel) {
	atomic.AddUint32(&m.emitted, 1)
}

func (m *testMonitor) Flush() error {
	atomic.AddUint32(&m.flushed, 1)
	return nil
}

func TestChannelMonitorFlushOnDispose(t *testing.T) {
	mon := &testMonitor{}
	conf := DefaultConfig()
	conf.Monitor = mon
	name := testResourceName(t, "monitored")
	c, err := NewChannel(name, nil, conf)
	assert.Equal(t, nil, err)

	c.Dispose()
	deadline := time.Now().Add(time.Second)
	for atomic.LoadUint32(&mon.flushed) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, uint32(1), atomic.LoadUint32(&mon.emitted))
	assert.Equal(t, uint32(1), atomic.LoadUint32(&mon.flushed))
}

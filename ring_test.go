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
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func newTestRing(nodeCount, nodeBufferSize uint32) *Ring {
	mem := make([]byte, ringByteSize(nodeCount, nodeBufferSize))
	return createRing("test_ring", mem, nodeCount, nodeBufferSize)
}

func TestRingDimensions(t *testing.T) {
	assert.Equal(t, ErrOutOfRange, verifyRingDimensions(0, 4096))
	assert.Equal(t, ErrOutOfRange, verifyRingDimensions(1, 4096))
	assert.Equal(t, ErrOutOfRange, verifyRingDimensions(8, minBufferCapacity-1))
	assert.Equal(t, ErrOutOfRange, verifyRingDimensions(8, maxBufferCapacity+1))
	assert.Equal(t, nil, verifyRingDimensions(2, minBufferCapacity))
	assert.Equal(t, nil, verifyRingDimensions(1024, maxBufferCapacity))
}

func TestRingCreateMapping(t *testing.T) {
	mem := make([]byte, ringByteSize(8, 1024))
	r1 := createRing("create_side", mem, 8, 1024)
	r2 := mapRing("map_side", mem)

	assert.Equal(t, r1.nodeCount, r2.nodeCount)
	assert.Equal(t, r1.nodeBufferSize, r2.nodeBufferSize)

	n, err := r1.Write([]byte("hello"), time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, n)

	dst := make([]byte, 1024)
	n, err = r2.Read(dst, time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello", string(dst[:n]))
}

func TestRingOperate(t *testing.T) {
	const nodeCount = 8
	r := newTestRing(nodeCount, 1024)

	fmt.Println("-----------test ring operate ----------------")
	// one node always separates write_start from read_end
	writable := nodeCount - 1
	for i := 0; i < writable; i++ {
		payload := []byte{byte(i), byte(i + 1)}
		n, err := r.Write(payload, time.Second)
		assert.Equal(t, nil, err)
		assert.Equal(t, 2, n)
	}
	_, err := r.Write([]byte{0xff}, 0)
	assert.Equal(t, ErrRingFull, err)

	dst := make([]byte, 1024)
	for i := 0; i < writable; i++ {
		n, err := r.Read(dst, time.Second)
		assert.Equal(t, nil, err)
		assert.Equal(t, 2, n, "ring read verify length")
		assert.Equal(t, byte(i), dst[0], "ring pop verify FIFO order")
		assert.Equal(t, byte(i+1), dst[1])
	}
	_, err = r.Read(dst, 10*time.Millisecond)
	assert.Equal(t, ErrTimeout, err)

	// the ring cycles: the same nodes carry fresh data again
	n, err := r.Write([]byte("again"), time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, n)
	n, err = r.Read(dst, time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "again", string(dst[:n]))
}

func TestRingOversizedWriteTruncates(t *testing.T) {
	r := newTestRing(4, minBufferCapacity)
	big := make([]byte, minBufferCapacity*2)
	n, err := r.Write(big, time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, minBufferCapacity, n)
}

func TestRingWriteFuncReadFunc(t *testing.T) {
	r := newTestRing(4, 1024)

	n, err := r.WriteFunc(time.Second, func(buf []byte) int {
		binary.LittleEndian.PutUint32(buf, 0xdeadbeef)
		return 4
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, n)

	var got uint32
	n, err = r.ReadFunc(time.Second, func(buf []byte) int {
		got = binary.LittleEndian.Uint32(buf)
		return len(buf)
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, uint32(0xdeadbeef), got)

	// a fill callback can't claim more than the node holds
	n, err = r.WriteFunc(time.Second, func(buf []byte) int { return 1 << 30 })
	assert.Equal(t, nil, err)
	assert.Equal(t, 1024, n)
	_, err = r.ReadFunc(time.Second, func(buf []byte) int { return len(buf) })
	assert.Equal(t, nil, err)
}

func TestRingTypedForms(t *testing.T) {
	r := newTestRing(4, 1024)

	src := []uint64{1, 2, 3, 4, 5}
	n, err := WriteSlice(r, src, time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, n)

	dst := make([]uint64, 8)
	n, err = ReadSlice(r, dst, time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, src, dst[:n])

	type point struct{ X, Y int32 }
	assert.Equal(t, nil, WriteValue(r, point{X: -7, Y: 42}, time.Second))
	p, err := ReadValue[point](r, time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, point{X: -7, Y: 42}, p)

	raw := []byte{9, 8, 7}
	n, err = r.WriteRaw(unsafe.Pointer(&raw[0]), len(raw), time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, n)
	out := make([]byte, 3)
	n, err = r.ReadRaw(unsafe.Pointer(&out[0]), len(out), time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, raw, out)
}

func TestRingMultiProducerAndMultiConsumer(t *testing.T) {
	fmt.Println("-----------test ring multi-producer multi-consumer ----------------")
	cases := []struct {
		nodeCount  uint32
		bufferSize uint32
		producers  int
		consumers  int
		perWriter  int
	}{
		{2, minBufferCapacity, 1, 1, 500},
		{8, minBufferCapacity, 4, 2, 300},
		{16, 1024, 8, 8, 200},
	}

	for _, tc := range cases {
		r := newTestRing(tc.nodeCount, tc.bufferSize)
		totalMsgs := tc.producers * tc.perWriter

		produced := make(map[string]int)
		consumed := make(map[string]int)
		var producedMu, consumedMu sync.Mutex
		var consumedCount int64

		var wg sync.WaitGroup
		for p := 0; p < tc.producers; p++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				rnd := rand.New(rand.NewSource(int64(id)))
				for i := 0; i < tc.perWriter; i++ {
					msg := make([]byte, 8+rnd.Intn(int(tc.bufferSize)-8))
					binary.LittleEndian.PutUint32(msg, uint32(id))
					binary.LittleEndian.PutUint32(msg[4:], uint32(i))
					rnd.Read(msg[8:])
					_, err := r.Write(msg, -1)
					assert.Equal(t, nil, err)
					producedMu.Lock()
					produced[string(msg)]++
					producedMu.Unlock()
				}
			}(p)
		}

		var readers sync.WaitGroup
		for c := 0; c < tc.consumers; c++ {
			readers.Add(1)
			go func() {
				defer readers.Done()
				dst := make([]byte, tc.bufferSize)
				for atomic.LoadInt64(&consumedCount) < int64(totalMsgs) {
					n, err := r.Read(dst, 50*time.Millisecond)
					if err == ErrTimeout {
						continue
					}
					assert.Equal(t, nil, err)
					consumedMu.Lock()
					consumed[string(dst[:n])]++
					consumedMu.Unlock()
					atomic.AddInt64(&consumedCount, 1)
				}
			}()
		}

		wg.Wait()
		readers.Wait()
		assert.Equal(t, int64(totalMsgs), consumedCount)
		assert.Equal(t, produced, consumed,
			"consumed multiset should equal produced multiset N:%d B:%d P:%d C:%d",
			tc.nodeCount, tc.bufferSize, tc.producers, tc.consumers)
	}
}

func TestRingFIFOAcrossConcurrentWriters(t *testing.T) {
	// per-producer sequence numbers must arrive in order even when many
	// producers race on reservation
	r := newTestRing(8, minBufferCapacity)
	const producers = 4
	const perWriter = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				var msg [8]byte
				binary.LittleEndian.PutUint32(msg[:], uint32(id))
				binary.LittleEndian.PutUint32(msg[4:], uint32(i))
				_, err := r.Write(msg[:], -1)
				assert.Equal(t, nil, err)
			}
		}(p)
	}

	lastSeq := make([]int64, producers)
	for i := range lastSeq {
		lastSeq[i] = -1
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		dst := make([]byte, minBufferCapacity)
		for got := 0; got < producers*perWriter; got++ {
			n, err := r.Read(dst, -1)
			assert.Equal(t, nil, err)
			assert.Equal(t, 8, n)
			id := binary.LittleEndian.Uint32(dst)
			seq := int64(binary.LittleEndian.Uint32(dst[4:]))
			assert.Equal(t, true, seq > lastSeq[id], "producer %d seq %d arrived after %d", id, seq, lastSeq[id])
			lastSeq[id] = seq
		}
	}()
	wg.Wait()
	<-done
}

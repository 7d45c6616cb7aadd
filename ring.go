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
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	syscall "golang.org/x/sys/unix"
)

// ringNode is a 32 byte view into one entry of a Ring's Node Table:
// next(4) prev(4) done_read(4) done_write(4) offset(4) index(4) amount_written(4) reserved(4).
type ringNode []byte

func (n ringNode) loadNext() uint32  { return binary.LittleEndian.Uint32(n[0:4]) }
func (n ringNode) loadPrev() uint32  { return binary.LittleEndian.Uint32(n[4:8]) }
func (n ringNode) offset() uint32    { return binary.LittleEndian.Uint32(n[16:20]) }
func (n ringNode) index() uint32     { return binary.LittleEndian.Uint32(n[20:24]) }

func (n ringNode) doneReadAddr() *uint32  { return (*uint32)(unsafe.Pointer(&n[8])) }
func (n ringNode) doneWriteAddr() *uint32 { return (*uint32)(unsafe.Pointer(&n[12])) }

func (n ringNode) loadDoneRead() uint32  { return atomic.LoadUint32(n.doneReadAddr()) }
func (n ringNode) loadDoneWrite() uint32 { return atomic.LoadUint32(n.doneWriteAddr()) }

func (n ringNode) storeDoneRead(v uint32)  { atomic.StoreUint32(n.doneReadAddr(), v) }
func (n ringNode) storeDoneWrite(v uint32) { atomic.StoreUint32(n.doneWriteAddr(), v) }

func (n ringNode) loadAmountWritten() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&n[24])))
}

func (n ringNode) storeAmountWritten(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&n[24])), v)
}

func (n ringNode) setTopology(next, prev, offset, index uint32) {
	binary.LittleEndian.PutUint32(n[0:4], next)
	binary.LittleEndian.PutUint32(n[4:8], prev)
	binary.LittleEndian.PutUint32(n[16:20], offset)
	binary.LittleEndian.PutUint32(n[20:24], index)
}

// Ring is a lock-free, multi-producer/multi-consumer FIFO of fixed-size
// nodes carved out of a SharedRegion. Exactly one process
// creates it; any number of processes may open it afterward.
type Ring struct {
	name string
	mem  []byte // Node Header + Wake Header + Node Table + Node Buffers

	readEnd    *uint32
	readStart  *uint32
	writeEnd   *uint32
	writeStart *uint32

	nodeCount      uint32
	nodeBufferSize uint32

	dataExistsSeq    *uint32
	slotAvailableSeq *uint32

	nodeTable   []byte
	nodeBuffers []byte
}

// ringByteSize returns the total byte length a Ring with nodeCount nodes of
// nodeBufferSize bytes each occupies, header included.
func ringByteSize(nodeCount, nodeBufferSize uint32) uint64 {
	header := uint64(ringNodeHeaderSize + ringWakeHeaderSize)
	table := uint64(nodeCount) * ringNodeEntrySize
	buffers := uint64(nodeCount) * uint64(nodeBufferSize)
	return header + table + buffers
}

func verifyRingDimensions(nodeCount, nodeBufferSize uint32) error {
	if nodeCount < minNodeCount {
		return ErrOutOfRange
	}
	if nodeBufferSize < minBufferCapacity || nodeBufferSize > maxBufferCapacity {
		return ErrOutOfRange
	}
	return nil
}

// createRing lays out a fresh Ring into mem (the owner's path). mem must be
// at least ringByteSize(nodeCount, nodeBufferSize) bytes.
func createRing(name string, mem []byte, nodeCount, nodeBufferSize uint32) *Ring {
	r := wireRing(name, mem)
	binary.LittleEndian.PutUint32(mem[16:20], nodeCount)
	binary.LittleEndian.PutUint32(mem[20:24], nodeBufferSize)
	r.nodeCount = nodeCount
	r.nodeBufferSize = nodeBufferSize
	r.sliceTableAndBuffers()

	for i := uint32(0); i < nodeCount; i++ {
		n := r.node(i)
		next := (i + 1) % nodeCount
		prev := (i - 1 + nodeCount) % nodeCount
		off := uint32(ringNodeHeaderSize+ringWakeHeaderSize) + nodeCount*ringNodeEntrySize + i*nodeBufferSize
		n.setTopology(next, prev, off, i)
	}
	return r
}

// mapRing wires a Ring onto an already-initialized mem region (the peer's
// path); nodeCount/nodeBufferSize are read back from the header.
func mapRing(name string, mem []byte) *Ring {
	r := wireRing(name, mem)
	r.nodeCount = binary.LittleEndian.Uint32(mem[16:20])
	r.nodeBufferSize = binary.LittleEndian.Uint32(mem[20:24])
	r.sliceTableAndBuffers()
	return r
}

func wireRing(name string, mem []byte) *Ring {
	r := &Ring{name: name, mem: mem}
	r.readEnd = (*uint32)(unsafe.Pointer(&mem[0]))
	r.readStart = (*uint32)(unsafe.Pointer(&mem[4]))
	r.writeEnd = (*uint32)(unsafe.Pointer(&mem[8]))
	r.writeStart = (*uint32)(unsafe.Pointer(&mem[12]))
	r.dataExistsSeq = (*uint32)(unsafe.Pointer(&mem[ringNodeHeaderSize]))
	r.slotAvailableSeq = (*uint32)(unsafe.Pointer(&mem[ringNodeHeaderSize+4]))
	return r
}

func (r *Ring) sliceTableAndBuffers() {
	tableStart := ringNodeHeaderSize + ringWakeHeaderSize
	tableEnd := tableStart + int(r.nodeCount)*ringNodeEntrySize
	r.nodeTable = r.mem[tableStart:tableEnd]
	r.nodeBuffers = r.mem[tableEnd:]
}

func (r *Ring) node(i uint32) ringNode {
	off := int(i) * ringNodeEntrySize
	return ringNode(r.nodeTable[off : off+ringNodeEntrySize])
}

func (r *Ring) nodeBuffer(n ringNode) []byte {
	start := n.offset() - uint32(ringNodeHeaderSize+ringWakeHeaderSize) - r.nodeCount*ringNodeEntrySize
	return r.nodeBuffers[start : start+r.nodeBufferSize]
}

func (r *Ring) signalDataExists() {
	atomic.AddUint32(r.dataExistsSeq, 1)
	_, _ = futexWake(r.dataExistsSeq, 1)
}

func (r *Ring) signalSlotAvailable() {
	atomic.AddUint32(r.slotAvailableSeq, 1)
	_, _ = futexWake(r.slotAvailableSeq, 1)
}

// waitOn blocks on seqAddr until it changes or deadline passes, returning
// false on timeout. deadline == noDeadline waits without bound. blocked
// re-samples the caller's predicate after the word is read, so a signal that
// landed between the caller's own check and that read is not lost.
func waitOn(seqAddr *uint32, deadline time.Time, blocked func() bool) bool {
	for {
		cur := atomic.LoadUint32(seqAddr)
		if !blocked() {
			return true
		}
		var ts *syscall.Timespec
		if !deadline.Equal(noDeadline) {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false
			}
			ts = &syscall.Timespec{
				Sec:  int64(remaining / time.Second),
				Nsec: int64(remaining % time.Second),
			}
		}
		err := futexWait(seqAddr, cur, ts)
		if err == syscall.ETIMEDOUT {
			return false
		}
		if atomic.LoadUint32(seqAddr) != cur {
			return true
		}
		if ts != nil && time.Now().After(deadline) {
			return false
		}
	}
}

// noDeadline is the sentinel used to request an unbounded wait.
var noDeadline = time.Time{}

func waitDeadline(timeout time.Duration) time.Time {
	if timeout < 0 {
		return noDeadline
	}
	if timeout == 0 {
		return time.Unix(0, 1) // non-zero, already-elapsed: wait returns immediately false
	}
	return time.Now().Add(timeout)
}

// reserveWrite claims the next free node in reservation order, blocking (up
// to timeout) while the ring is full.
func (r *Ring) reserveWrite(timeout time.Duration) (ringNode, error) {
	deadline := waitDeadline(timeout)
	for {
		w := atomic.LoadUint32(r.writeStart)
		n := r.node(w)
		next := n.loadNext()
		if next == atomic.LoadUint32(r.readEnd) {
			if timeout == 0 {
				return nil, ErrRingFull
			}
			if !waitOn(r.slotAvailableSeq, deadline, func() bool {
				return r.node(atomic.LoadUint32(r.writeStart)).loadNext() == atomic.LoadUint32(r.readEnd)
			}) {
				return nil, ErrTimeout
			}
			continue
		}
		if atomic.CompareAndSwapUint32(r.writeStart, w, next) {
			return n, nil
		}
	}
}

// publish marks the node done, then drains the contiguous run of completed
// nodes starting at write_end. Reservation order may differ from completion
// order; write_end only ever advances over contiguously completed nodes, so
// readers observe data in reservation order.
func (r *Ring) publish(n ringNode) {
	n.storeDoneWrite(1)
	for {
		e := atomic.LoadUint32(r.writeEnd)
		cur := r.node(e)
		if !atomic.CompareAndSwapUint32(cur.doneWriteAddr(), 1, 0) {
			return
		}
		wasEmpty := e == atomic.LoadUint32(r.readStart)
		atomic.CompareAndSwapUint32(r.writeEnd, e, cur.loadNext())
		if wasEmpty {
			r.signalDataExists()
		}
	}
}

// reserveRead claims the next readable node in reservation order, blocking
// (up to timeout) while the ring is empty.
func (r *Ring) reserveRead(timeout time.Duration) (ringNode, error) {
	deadline := waitDeadline(timeout)
	for {
		rd := atomic.LoadUint32(r.readStart)
		n := r.node(rd)
		if rd == atomic.LoadUint32(r.writeEnd) {
			if timeout == 0 {
				return nil, errRingEmpty
			}
			if !waitOn(r.dataExistsSeq, deadline, func() bool {
				return atomic.LoadUint32(r.readStart) == atomic.LoadUint32(r.writeEnd)
			}) {
				return nil, ErrTimeout
			}
			continue
		}
		if atomic.CompareAndSwapUint32(r.readStart, rd, n.loadNext()) {
			return n, nil
		}
	}
}

// finishRead releases a consumed node and advances read_end over the
// contiguous run of done readers, the mirror image of publish. Callers
// already extracted what they needed from the node buffer.
func (r *Ring) finishRead(n ringNode) {
	n.storeAmountWritten(0)
	n.storeDoneRead(1)
	for {
		e := atomic.LoadUint32(r.readEnd)
		cur := r.node(e)
		if !atomic.CompareAndSwapUint32(cur.doneReadAddr(), 1, 0) {
			return
		}
		wasFull := cur.loadPrev() == atomic.LoadUint32(r.writeStart)
		atomic.CompareAndSwapUint32(r.readEnd, e, cur.loadNext())
		if wasFull {
			r.signalSlotAvailable()
		}
	}
}

// Write copies data into the next free node and publishes it, blocking up to
// timeout while the ring is full. A negative timeout blocks indefinitely; a
// zero timeout never blocks and returns ErrRingFull immediately when full.
func (r *Ring) Write(data []byte, timeout time.Duration) (int, error) {
	n, err := r.reserveWrite(timeout)
	if err != nil {
		return 0, err
	}
	written := copy(r.nodeBuffer(n), data)
	n.storeAmountWritten(uint32(written))
	r.publish(n)
	return written, nil
}

// Read copies the next node's payload into dst, blocking up to timeout while
// the ring is empty.
func (r *Ring) Read(dst []byte, timeout time.Duration) (int, error) {
	n, err := r.reserveRead(timeout)
	if err != nil {
		if err == errRingEmpty {
			return 0, ErrTimeout
		}
		return 0, err
	}
	amount := n.loadAmountWritten()
	read := copy(dst, r.nodeBuffer(n)[:amount])
	r.finishRead(n)
	return read, nil
}

// WriteFunc reserves a node and lets fill populate its buffer in place,
// avoiding an intermediate copy. fill returns the number of bytes it wrote.
func (r *Ring) WriteFunc(timeout time.Duration, fill func(buf []byte) int) (int, error) {
	n, err := r.reserveWrite(timeout)
	if err != nil {
		return 0, err
	}
	buf := r.nodeBuffer(n)
	written := fill(buf)
	if written < 0 {
		written = 0
	} else if uint32(written) > r.nodeBufferSize {
		written = int(r.nodeBufferSize)
	}
	n.storeAmountWritten(uint32(written))
	r.publish(n)
	return written, nil
}

// ReadFunc reserves the next readable node and lets drain consume its buffer
// in place, avoiding an intermediate copy. drain returns the number of bytes
// it consumed, which ReadFunc passes back to its own caller.
func (r *Ring) ReadFunc(timeout time.Duration, drain func(buf []byte) int) (int, error) {
	n, err := r.reserveRead(timeout)
	if err != nil {
		if err == errRingEmpty {
			return 0, ErrTimeout
		}
		return 0, err
	}
	amount := n.loadAmountWritten()
	consumed := drain(r.nodeBuffer(n)[:amount])
	r.finishRead(n)
	return consumed, nil
}

// openRingForDebug reads a dumped ring region from disk (not a live mmap)
// and wires a Ring over it, for post-mortem inspection of a region that was
// first extracted from a process via /proc/$PID/fd/$FD. The file starts with
// the Shared Region header, which the ring layout sits behind.
func openRingForDebug(path string) (*Ring, error) {
	mem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(mem) < regionHeaderSize+ringNodeHeaderSize+ringWakeHeaderSize+minNodeCount*ringNodeEntrySize {
		return nil, ErrMalformedFrame
	}
	return mapRing(path, mem[regionHeaderSize:]), nil
}

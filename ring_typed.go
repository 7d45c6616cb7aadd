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
	"time"
	"unsafe"
)

// The typed delivery forms below all reduce to the byte-slice and callback
// forms in ring.go; they exist so callers moving fixed-layout records don't
// marshal through an intermediate buffer. T must be a fixed-size type with
// no pointers, since its raw bytes cross a process boundary.

func sliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(s[0])))
}

//WriteSlice copies as many whole elements of src as fit into one node and
//publishes them, returning the element count transferred.
func WriteSlice[T any](r *Ring, src []T, timeout time.Duration) (int, error) {
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	if uint32(elemSize) > r.nodeBufferSize {
		return 0, ErrOutOfRange
	}
	b := sliceBytes(src)
	elems := 0
	_, err := r.WriteFunc(timeout, func(buf []byte) int {
		whole := (minInt(len(b), len(buf)) / elemSize) * elemSize
		copy(buf, b[:whole])
		elems = whole / elemSize
		return whole
	})
	if err != nil {
		return 0, err
	}
	return elems, nil
}

//ReadSlice consumes the next node into dst, returning the number of whole
//elements transferred.
func ReadSlice[T any](r *Ring, dst []T, timeout time.Duration) (int, error) {
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	if uint32(elemSize) > r.nodeBufferSize {
		return 0, ErrOutOfRange
	}
	b := sliceBytes(dst)
	elems := 0
	_, err := r.ReadFunc(timeout, func(buf []byte) int {
		whole := (minInt(len(b), len(buf)) / elemSize) * elemSize
		copy(b[:whole], buf)
		elems = whole / elemSize
		return whole
	})
	if err != nil {
		return 0, err
	}
	return elems, nil
}

//WriteValue writes one value of T into the next free node.
func WriteValue[T any](r *Ring, v T, timeout time.Duration) error {
	n, err := WriteSlice(r, []T{v}, timeout)
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrOutOfRange
	}
	return nil
}

//ReadValue consumes the next node as one value of T.
func ReadValue[T any](r *Ring, timeout time.Duration) (T, error) {
	var v T
	dst := []T{v}
	n, err := ReadSlice(r, dst, timeout)
	if err != nil {
		return v, err
	}
	if n != 1 {
		return v, ErrMalformedFrame
	}
	return dst[0], nil
}

//WriteRaw copies size bytes starting at ptr into the next free node. The
//caller guarantees ptr stays valid for the duration of the call.
func (r *Ring) WriteRaw(ptr unsafe.Pointer, size int, timeout time.Duration) (int, error) {
	return r.Write(unsafe.Slice((*byte)(ptr), size), timeout)
}

//ReadRaw consumes the next node into the size bytes starting at ptr.
func (r *Ring) ReadRaw(ptr unsafe.Pointer, size int, timeout time.Duration) (int, error) {
	return r.Read(unsafe.Slice((*byte)(ptr), size), timeout)
}

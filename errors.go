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

import "errors"

var (
	//ErrNameInUse means createSharedRegion was attempted on a name that already exists.
	ErrNameInUse = errors.New("shared region name already in use")

	//ErrNameNotFound means openSharedRegion couldn't find the requested name.
	ErrNameNotFound = errors.New("shared region name not found")

	//ErrOutOfRange means a Ring or Channel was constructed with an out of range
	//BufferCapacity or BufferNodeCount.
	ErrOutOfRange = errors.New("value out of allowed range")

	//ErrShutdown is returned by any operation once is_shutdown() observes true.
	//It is terminal; the operation is not retried.
	ErrShutdown = errors.New("shared region has shut down")

	//ErrAlreadyDisposed is returned by any operation on a Channel after local
	//Dispose.
	ErrAlreadyDisposed = errors.New("already disposed")

	//ErrTimeout is returned when a bounded wait is exhausted.
	ErrTimeout = errors.New("i/o deadline reached")

	//ErrHandlerFailure wraps a panic recovered inside a handler. The handling
	//side sends back an error reply with no payload; the RemoteRequest caller
	//sees Success=false and a nil error, not this value.
	ErrHandlerFailure = errors.New("remote handler failed")

	//ErrMalformedFrame means a packet header failed to parse; the packet is dropped
	//and the MalformedFrames counter is incremented.
	ErrMalformedFrame = errors.New("malformed packet frame")

	//ErrRingFull mean that the ring had no free node left to reserve for write.
	ErrRingFull = errors.New("ring is full")

	//ErrOSNonSupported means this module only runs on Linux, because the wake
	//primitives are futex based.
	ErrOSNonSupported = errors.New("shmring only supports linux OS")

	//ErrShareMemoryHadNotLeftSpace means /dev/shm didn't have enough free space
	//for the requested region size.
	ErrShareMemoryHadNotLeftSpace = errors.New("share memory had not left space")

	//ErrNameTooLong means the derived resource path exceeded the OS file name limit.
	ErrNameTooLong = errors.New("shared region name too long")

	errRingEmpty = errors.New("ring is empty")
)

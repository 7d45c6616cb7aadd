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
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"
)

// Config is used to tune a Channel
type Config struct {
	//The per-node byte capacity of each underlying ring. Must be in
	//[256, 1048576]. The peer side ignores this value and reads the real
	//capacity back from the rings the owner created.
	BufferCapacity uint32

	//The number of nodes per ring. Must be >= 2 (a single-node ring can
	//not distinguish empty from full). Only the owner's value matters.
	BufferNodeCount uint32

	//The size of the receive worker pool. Must be >= 1. A channel whose
	//handler issues nested RemoteRequest calls on the same channel must
	//use at least 2, otherwise the single worker deadlocks waiting on a
	//reply only it could dispatch.
	ReceiveThreads int

	//The packet framing version to speak. Only version 1 exists.
	ProtocolVersion uint8

	// ConnectionWriteTimeout is meant to be a "safety valve" timeout
	// bounding the ring write of one packet, after which we suspect the
	// peer stopped draining and fail the whole message.
	ConnectionWriteTimeout time.Duration

	//In the initialization phase the peer waits for the owner to finish
	//creating the named regions. InitializeTimeout bounds that wait.
	InitializeTimeout time.Duration

	//LogOutput is used to control the log destination.
	LogOutput io.Writer

	//Channel will emit some metrics to the Monitor with periodically (default 30s)
	Monitor Monitor
}

//DefaultConfig is used to return a default configuration
func DefaultConfig() *Config {
	return &Config{
		BufferCapacity:         32 * 1024,
		BufferNodeCount:        64,
		ReceiveThreads:         defaultReceiveThreads,
		ProtocolVersion:        protoVersion,
		ConnectionWriteTimeout: sendPacketTimeout,
		InitializeTimeout:      1000 * time.Millisecond,
		LogOutput:              os.Stdout,
	}
}

//VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config.BufferCapacity < minBufferCapacity || config.BufferCapacity > maxBufferCapacity {
		return fmt.Errorf("%w: BufferCapacity:%d must be in [%d, %d]",
			ErrOutOfRange, config.BufferCapacity, minBufferCapacity, maxBufferCapacity)
	}
	if config.BufferNodeCount < minNodeCount {
		return fmt.Errorf("%w: BufferNodeCount:%d must be at least %d",
			ErrOutOfRange, config.BufferNodeCount, minNodeCount)
	}
	if config.ReceiveThreads < 1 {
		return fmt.Errorf("%w: ReceiveThreads:%d must be at least 1",
			ErrOutOfRange, config.ReceiveThreads)
	}
	if config.ProtocolVersion != protoVersion {
		return fmt.Errorf("unsupported protocol version:%d", config.ProtocolVersion)
	}
	if config.ConnectionWriteTimeout <= 0 || config.InitializeTimeout <= 0 {
		return errors.New("ConnectionWriteTimeout and InitializeTimeout could not be 0")
	}

	if runtime.GOOS != "linux" {
		return ErrOSNonSupported
	}

	return nil
}

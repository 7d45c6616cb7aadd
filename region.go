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
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	syscall "golang.org/x/sys/unix"
)

// sharedRegionDir is where named regions are backed; tmpfs keeps the pages
// in memory.
var sharedRegionDir = "/dev/shm/shmring"

// SharedRegion is a named, fixed-size block of memory mapped into two or
// more processes. The owner creates it; the peer opens it.
type SharedRegion struct {
	name    string
	path    string
	mem     []byte
	isOwner bool
}

func regionPath(name string) (string, error) {
	path := filepath.Join(sharedRegionDir, name)
	if len(path) > fileNameMaxLen {
		return "", ErrNameTooLong
	}
	return path, nil
}

const fileNameMaxLen = 255

// createSharedRegion maps a new region of exactly size+header bytes, zeros
// the header, and records shared_memory_size. Fails with ErrNameInUse if
// the name is already taken.
func createSharedRegion(name string, size uint64) (*SharedRegion, error) {
	path, err := regionPath(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("create shared region dir failed: %w", err)
	}
	if pathExists(path) {
		return nil, ErrNameInUse
	}

	total := size + regionHeaderSize
	if !canCreateOnDevShm(total, path) {
		return nil, fmt.Errorf("%w: path:%s size:%d", ErrShareMemoryHadNotLeftSpace, path, total)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, os.ModePerm)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrNameInUse
		}
		return nil, err
	}
	defer f.Close()

	if err := f.Truncate(int64(total)); err != nil {
		return nil, fmt.Errorf("truncate shared region failed: %w", err)
	}
	mem, err := syscall.Mmap(int(f.Fd()), 0, int(total), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	for i := range mem {
		mem[i] = 0
	}

	r := &SharedRegion{name: name, path: path, mem: mem, isOwner: true}
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&mem[0])), total)
	return r, nil
}

// openSharedRegion maps an existing region and discovers its total size from
// the header. Fails with ErrNameNotFound if absent.
func openSharedRegion(name string) (*SharedRegion, error) {
	path, err := regionPath(name)
	if err != nil {
		return nil, err
	}
	if !pathExists(path) {
		return nil, ErrNameNotFound
	}

	f, err := os.OpenFile(path, os.O_RDWR, os.ModePerm)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNameNotFound
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	mem, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	total := atomic.LoadUint64((*uint64)(unsafe.Pointer(&mem[0])))
	if int64(total) != info.Size() {
		syscall.Munmap(mem)
		return nil, fmt.Errorf("shared region %q header size %d mismatches mapped size %d", name, total, info.Size())
	}

	return &SharedRegion{name: name, path: path, mem: mem, isOwner: false}, nil
}

// rawBase returns the bytes immediately past the Shared Region header —
// the area a Ring is laid out into.
func (r *SharedRegion) rawBase() []byte {
	return r.mem[regionHeaderSize:]
}

// markShutdown atomically stores 1 into the shutdown flag. Only legal on the owner.
func (r *SharedRegion) markShutdown() {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.mem[8])), 1)
}

// isShutdown acquire-loads the shutdown flag.
func (r *SharedRegion) isShutdown() bool {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[8]))) == 1
}

// close unmaps the region. The owner also removes the backing file.
func (r *SharedRegion) close() error {
	if err := syscall.Munmap(r.mem); err != nil {
		internalLogger.warnf("SharedRegion unmap %s error:%s", r.path, err.Error())
	}
	if r.isOwner {
		if err := os.Remove(r.path); err != nil {
			internalLogger.warnf("SharedRegion remove %s failed, error=%s", r.path, err.Error())
		} else {
			internalLogger.infof("SharedRegion removed %s", r.path)
		}
	}
	return nil
}

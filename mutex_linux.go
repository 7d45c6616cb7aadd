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

	syscall "golang.org/x/sys/unix"
)

// ownerMutex realizes the role-election mutex: the endpoint that wins the
// exclusive create-and-lock race on `<name>_owner_mutex` becomes the owner;
// everyone else becomes a peer and never touches the lock again.
type ownerMutex struct {
	path string
	f    *os.File
}

// acquireOwnerMutex returns (mutex, true, nil) when this process won the
// election, (nil, false, nil) when another process already owns the name.
func acquireOwnerMutex(name string) (*ownerMutex, bool, error) {
	path := filepath.Join(sharedRegionDir, name+ownerMutexSuffix)
	if len(path) > fileNameMaxLen {
		return nil, false, ErrNameTooLong
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, false, fmt.Errorf("create owner mutex dir failed: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, os.ModePerm)
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		// created but couldn't lock: someone else holds it, we are a peer
		f.Close()
		return nil, false, nil
	}
	return &ownerMutex{path: path, f: f}, true, nil
}

// release unlocks and removes the mutex file, freeing the name for reuse.
func (m *ownerMutex) release() {
	if err := syscall.Flock(int(m.f.Fd()), syscall.LOCK_UN); err != nil {
		internalLogger.warnf("ownerMutex unlock %s error:%s", m.path, err.Error())
	}
	m.f.Close()
	if err := os.Remove(m.path); err != nil {
		internalLogger.warnf("ownerMutex remove %s error:%s", m.path, err.Error())
	}
}

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

import "fmt"

// Handler is the one inbound-request callback a Channel holds. It comes in
// four shapes; all of them reduce to "produce optional reply bytes":
//
//   - a void handler replies with an empty response
//   - a bytes handler replies with the bytes it returned
//   - a sync handler runs on the receive worker itself
//   - an async handler runs on a pooled goroutine, freeing the worker to
//     keep dispatching (a sync handler that issues nested requests needs
//     ReceiveThreads >= 2 instead)
//
// Any returned error or panic inside the handler produces an error reply
// with an empty payload; it never kills the worker.
type Handler struct {
	async bool
	fn    func(msgID uint64, payload []byte) ([]byte, error)
}

//SyncVoidHandler runs fn on the receive worker and replies with an empty response.
func SyncVoidHandler(fn func(msgID uint64, payload []byte)) *Handler {
	return &Handler{fn: func(id uint64, p []byte) ([]byte, error) {
		fn(id, p)
		return nil, nil
	}}
}

//AsyncVoidHandler runs fn on a pooled goroutine and replies with an empty response.
func AsyncVoidHandler(fn func(msgID uint64, payload []byte)) *Handler {
	return &Handler{async: true, fn: func(id uint64, p []byte) ([]byte, error) {
		fn(id, p)
		return nil, nil
	}}
}

//SyncBytesHandler runs fn on the receive worker and replies with the returned bytes.
func SyncBytesHandler(fn func(msgID uint64, payload []byte) ([]byte, error)) *Handler {
	return &Handler{fn: fn}
}

//AsyncBytesHandler runs fn on a pooled goroutine and replies with the returned bytes.
func AsyncBytesHandler(fn func(msgID uint64, payload []byte) ([]byte, error)) *Handler {
	return &Handler{async: true, fn: fn}
}

// invoke calls the handler, converting a panic into a plain error so one bad
// request can't take down the receive worker.
func (h *Handler) invoke(msgID uint64, payload []byte) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFailure, r)
		}
	}()
	return h.fn(msgID, payload)
}

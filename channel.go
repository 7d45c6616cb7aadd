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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
)

// Channel is a bidirectional request/response RPC endpoint over a pair of
// Rings. Both sides construct it with the same name; whoever wins the
// role-election mutex creates the shared resources (the owner), the other
// side opens them (the peer). The owner writes into the owner→peer ring and
// reads from the peer→owner ring; the peer does the opposite.
type Channel struct {
	name   string
	config *Config
	logger *logger

	isOwner bool
	mutex   *ownerMutex // nil on the peer

	sendRegion *SharedRegion
	recvRegion *SharedRegion
	sendRing   *Ring
	recvRing   *Ring

	// bodyPerPacket is the payload byte count one ring node carries after
	// the framing header.
	bodyPerPacket int

	handler *Handler

	msgIDSeq uint64

	// sendLock serializes the packets of one message so packets of
	// different messages never interleave on the wire.
	sendLock sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]*PendingRequest

	assemblyMu sync.Mutex
	assembly   map[uint64]*incomingAssembly

	shutdownCh     chan struct{}
	disposed       uint32
	remoteShutdown uint32
	workerWg       sync.WaitGroup

	stats   stats
	monitor Monitor
}

// incomingAssembly accumulates the packets of one multi-packet inbound
// message until all of them arrived.
type incomingAssembly struct {
	msgID   uint64
	buf     []byte
	packets uint16
}

//Response is the outcome of a RemoteRequest. Timeout, cancellation and a
//handler failure on the peer all surface as Success=false with no Data.
type Response struct {
	Success bool
	Data    []byte
}

// PendingRequest is the handle of an in-flight RemoteRequestAsync. Wait
// blocks until the response arrives or the request's timeout elapses; Done
// exposes the completion signal for select integration.
type PendingRequest struct {
	c         *Channel
	id        uint64
	timeout   time.Duration
	createdAt time.Time

	completeCh chan struct{}
	done       uint32
	success    bool
	data       []byte
	// packets counts response packets copied into data so far, guarded by
	// the channel's pendingMu. Completion is detected by this count, not by
	// the arriving packet's tag: with several receive workers the packets
	// of one response can be processed out of order.
	packets uint16
}

//NewChannel constructs one endpoint of the named channel. The first caller
//on a name becomes the owner and creates the two rings from conf's
//BufferCapacity and BufferNodeCount; later callers become peers and read the
//real geometry back from the rings they find. handler may be nil for a
//pure-client endpoint that never receives requests.
func NewChannel(name string, handler *Handler, conf *Config) (*Channel, error) {
	if name == "" {
		return nil, errors.New("channel name could not be empty")
	}
	if conf == nil {
		conf = DefaultConfig()
	}
	if err := VerifyConfig(conf); err != nil {
		return nil, fmt.Errorf("create channel %s failed: %w", name, err)
	}

	mutex, isOwner, err := acquireOwnerMutex(name)
	if err != nil {
		return nil, fmt.Errorf("create channel %s failed: %w", name, err)
	}

	c := &Channel{
		name:       name,
		config:     conf,
		logger:     newLogger("channel "+name, conf.LogOutput),
		isOwner:    isOwner,
		mutex:      mutex,
		handler:    handler,
		pending:    make(map[uint64]*PendingRequest),
		assembly:   make(map[uint64]*incomingAssembly),
		shutdownCh: make(chan struct{}),
		monitor:    conf.Monitor,
	}

	if isOwner {
		err = c.createRings()
	} else {
		err = c.openRings()
	}
	if err != nil {
		if mutex != nil {
			mutex.release()
		}
		return nil, fmt.Errorf("create channel %s failed: %w", name, err)
	}
	c.bodyPerPacket = int(c.sendRing.nodeBufferSize) - packetHeaderSize

	for i := 0; i < conf.ReceiveThreads; i++ {
		c.workerWg.Add(1)
		gopool.Go(c.recvLoop)
	}
	go c.monitorLoop()

	role := "peer"
	if isOwner {
		role = "owner"
	}
	c.logger.infof("channel %s created as %s, nodeCount:%d nodeBufferSize:%d receiveThreads:%d",
		name, role, c.sendRing.nodeCount, c.sendRing.nodeBufferSize, conf.ReceiveThreads)
	return c, nil
}

func (c *Channel) createRings() error {
	size := ringByteSize(c.config.BufferNodeCount, c.config.BufferCapacity)
	recvRegion, err := createSharedRegion(c.name+peerToOwnerRingSuffix, size)
	if err != nil {
		return err
	}
	sendRegion, err := createSharedRegion(c.name+ownerToPeerRingSuffix, size)
	if err != nil {
		recvRegion.close()
		return err
	}
	c.recvRegion, c.sendRegion = recvRegion, sendRegion
	c.recvRing = createRing(c.name+peerToOwnerRingSuffix, recvRegion.rawBase(),
		c.config.BufferNodeCount, c.config.BufferCapacity)
	c.sendRing = createRing(c.name+ownerToPeerRingSuffix, sendRegion.rawBase(),
		c.config.BufferNodeCount, c.config.BufferCapacity)
	return nil
}

// openRings maps the owner's two regions, retrying while the owner is still
// mid-creation, and reads the real ring geometry back from the headers.
func (c *Channel) openRings() error {
	deadline := time.Now().Add(c.config.InitializeTimeout)
	var lastErr error
	for {
		lastErr = c.tryOpenRings()
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return lastErr
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *Channel) tryOpenRings() error {
	sendRegion, err := openSharedRegion(c.name + peerToOwnerRingSuffix)
	if err != nil {
		return err
	}
	recvRegion, err := openSharedRegion(c.name + ownerToPeerRingSuffix)
	if err != nil {
		sendRegion.close()
		return err
	}
	sendRing := mapRing(c.name+peerToOwnerRingSuffix, sendRegion.rawBase())
	recvRing := mapRing(c.name+ownerToPeerRingSuffix, recvRegion.rawBase())
	// an all-zero header means the owner hasn't laid the ring out yet
	if err := verifyRingDimensions(sendRing.nodeCount, sendRing.nodeBufferSize); err != nil {
		sendRegion.close()
		recvRegion.close()
		return err
	}
	if err := verifyRingDimensions(recvRing.nodeCount, recvRing.nodeBufferSize); err != nil {
		sendRegion.close()
		recvRegion.close()
		return err
	}
	c.sendRegion, c.recvRegion = sendRegion, recvRegion
	c.sendRing, c.recvRing = sendRing, recvRing
	return nil
}

//Name returns the channel identity both endpoints agreed on.
func (c *Channel) Name() string { return c.name }

//IsOwner reports whether this endpoint won the role election.
func (c *Channel) IsOwner() bool { return c.isOwner }

//IsClosed reports whether this endpoint was disposed or observed the peer's shutdown.
func (c *Channel) IsClosed() bool {
	return atomic.LoadUint32(&c.disposed) == 1 || atomic.LoadUint32(&c.remoteShutdown) == 1
}

//GetMetrics returns a point-in-time snapshot of the channel's counters.
func (c *Channel) GetMetrics() ChannelMetrics { return c.stats.snapshot() }

//ResetMetrics zeroes all counters.
func (c *Channel) ResetMetrics() { c.stats.reset() }

func (c *Channel) nextID() uint64 {
	return atomic.AddUint64(&c.msgIDSeq, 1)
}

// terminalErr maps the channel state to the error every operation must check
// before touching a ring; nil means the channel is usable.
func (c *Channel) terminalErr() error {
	if atomic.LoadUint32(&c.disposed) == 1 {
		return ErrAlreadyDisposed
	}
	if atomic.LoadUint32(&c.remoteShutdown) == 1 ||
		c.sendRegion.isShutdown() || c.recvRegion.isShutdown() {
		return ErrShutdown
	}
	return nil
}

//RemoteRequest sends payload to the peer's handler and blocks until the
//response arrives, timeout elapses, or ctx is cancelled. timeout == 0 means
//fire-and-forget: the call never waits and the result is always
//Success=false. A negative timeout waits until the response or ctx.
//Terminal conditions (shutdown, disposed) return an error; everything else
//is in-band in the Response.
func (c *Channel) RemoteRequest(ctx context.Context, payload []byte, timeout time.Duration) (Response, error) {
	p, err := c.RemoteRequestAsync(payload, timeout)
	if err != nil {
		return Response{}, err
	}
	return p.Wait(ctx), nil
}

//RemoteRequestAsync is the non-blocking variant of RemoteRequest: it sends
//the request and returns a handle completing with the same result shape.
func (c *Channel) RemoteRequestAsync(payload []byte, timeout time.Duration) (*PendingRequest, error) {
	if err := c.terminalErr(); err != nil {
		return nil, err
	}

	p := &PendingRequest{
		c:          c,
		id:         c.nextID(),
		timeout:    timeout,
		createdAt:  time.Now(),
		completeCh: make(chan struct{}, 1),
	}

	if timeout == 0 {
		// fire and forget: no correlator is registered, a reply (if any)
		// will be counted as discarded
		atomic.StoreUint32(&p.done, 1)
		if err := c.sendMessage(msgRequest, p.id, payload, 0); err != nil {
			if errors.Is(err, ErrShutdown) || errors.Is(err, ErrAlreadyDisposed) {
				return nil, err
			}
		}
		return p, nil
	}

	// register before the first packet hits the wire so a racing response
	// can't miss its correlator
	c.pendingMu.Lock()
	c.pending[p.id] = p
	c.pendingMu.Unlock()

	if err := c.sendMessage(msgRequest, p.id, payload, 0); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, p.id)
		c.pendingMu.Unlock()
		if errors.Is(err, ErrShutdown) || errors.Is(err, ErrAlreadyDisposed) {
			return nil, err
		}
		// a ring-write timeout is an in-band failure
		p.fail()
		asyncNotify(p.completeCh)
	}
	return p, nil
}

//Done exposes the completion signal for select integration. The channel
//fires when the response (or error reply) has fully arrived; it does not
//fire on timeout, which Wait enforces.
func (p *PendingRequest) Done() <-chan struct{} { return p.completeCh }

//Wait blocks until the request completes, its timeout elapses, ctx is
//cancelled, or the channel shuts down. ctx may be nil.
func (p *PendingRequest) Wait(ctx context.Context) Response {
	if atomic.LoadUint32(&p.done) == 1 {
		return p.result()
	}

	var timerC <-chan time.Time
	if p.timeout > 0 {
		remaining := p.timeout - time.Since(p.createdAt)
		if remaining <= 0 {
			p.abandon(true)
			return p.result()
		}
		timer := timerPool.Get().(*time.Timer)
		timer.Reset(remaining)
		defer func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timerPool.Put(timer)
		}()
		timerC = timer.C
	}
	var ctxDone <-chan struct{}
	if ctx != nil {
		ctxDone = ctx.Done()
	}

	select {
	case <-p.completeCh:
		return p.result()
	case <-timerC:
		// the response may have landed while the timer fired
		select {
		case <-p.completeCh:
			return p.result()
		default:
		}
		p.abandon(true)
	case <-ctxDone:
		p.abandon(false)
	case <-p.c.shutdownCh:
		p.abandon(false)
	}
	return p.result()
}

func (p *PendingRequest) result() Response {
	return Response{Success: p.success, Data: p.data}
}

func (p *PendingRequest) fail() {
	p.success = false
	p.data = nil
	atomic.StoreUint32(&p.done, 1)
}

// abandon removes the request's correlator; a response arriving later is
// counted as discarded. timedOut also bumps the timeout counters.
func (p *PendingRequest) abandon(timedOut bool) {
	c := p.c
	c.pendingMu.Lock()
	delete(c.pending, p.id)
	c.pendingMu.Unlock()
	if timedOut {
		atomic.AddUint64(&c.stats.timeoutCount, 1)
		atomic.StoreUint64(&c.stats.lastTimeoutAt, uint64(time.Now().UnixNano()))
	}
	p.fail()
}

// sendMessage splits payload into framed packets and pushes them through the
// outbound ring under the send lock. Each packet write is bounded by
// ConnectionWriteTimeout.
func (c *Channel) sendMessage(mt msgType, id uint64, payload []byte, responseID uint64) error {
	total := 1
	if len(payload) > 0 {
		total = (len(payload) + c.bodyPerPacket - 1) / c.bodyPerPacket
	}
	if total > 65535 {
		return fmt.Errorf("%w: payload of %d bytes needs %d packets, max is 65535",
			ErrOutOfRange, len(payload), total)
	}

	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	remaining := payload
	for k := 1; k <= total; k++ {
		if err := c.terminalErr(); err != nil {
			return err
		}
		body := remaining[:minInt(c.bodyPerPacket, len(remaining))]
		begin := time.Now()
		n, err := c.sendRing.WriteFunc(c.config.ConnectionWriteTimeout, func(buf []byte) int {
			h := packetHeader(buf[:packetHeaderSize])
			h.encode(mt, id, uint32(len(payload)), uint16(k), uint16(total), responseID)
			copied := copy(buf[packetHeaderSize:], body)
			return packetHeaderSize + copied
		})
		if err != nil {
			c.logger.warnf("send msgID:%d packet %d/%d failed:%s", id, k, total, err.Error())
			return err
		}
		storeMax(&c.stats.maxSendWait, uint64(time.Since(begin)))
		atomic.AddUint64(&c.stats.packetsSent, 1)
		atomic.AddUint64(&c.stats.outFlowBytes, uint64(n))
		storeMax(&c.stats.largestSent, uint64(n))
		remaining = remaining[len(body):]
		if debugMode {
			packetLogger.debugf("sent type:%d msgID:%d packet %d/%d body:%d", mt, id, k, total, len(body))
		}
	}

	switch mt {
	case msgRequest:
		atomic.AddUint64(&c.stats.requestsSent, 1)
	case msgResponse:
		atomic.AddUint64(&c.stats.responsesSent, 1)
	case msgError:
		atomic.AddUint64(&c.stats.errorsSent, 1)
	}
	atomic.StoreUint64(&c.stats.lastMsgSizeOut, uint64(len(payload)))
	return nil
}

// recvLoop is one receive worker. It polls the inbound ring with a bounded
// timeout so it can observe dispose and shutdown between waits.
func (c *Channel) recvLoop() {
	defer c.workerWg.Done()
	for {
		if atomic.LoadUint32(&c.disposed) == 1 {
			return
		}
		if c.recvRegion.isShutdown() && !c.isOwner {
			c.onRemoteShutdown()
			return
		}

		var deferred func()
		begin := time.Now()
		_, err := c.recvRing.ReadFunc(recvPollTimeout, func(buf []byte) int {
			deferred = c.onPacket(buf)
			return len(buf)
		})
		if err != nil {
			continue
		}
		storeMax(&c.stats.maxRecvWait, uint64(time.Since(begin)))
		// dispatch after the ring node is released so a slow handler can't
		// starve the ring
		if deferred != nil {
			deferred()
		}
	}
}

// onRemoteShutdown marks the channel dead after the owner tore it down and
// fails every in-flight request. Only the first worker to observe it acts.
func (c *Channel) onRemoteShutdown() {
	if !atomic.CompareAndSwapUint32(&c.remoteShutdown, 0, 1) {
		return
	}
	c.logger.infof("channel %s observed owner shutdown", c.name)
	c.failAllPending()
}

func (c *Channel) failAllPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*PendingRequest)
	c.pendingMu.Unlock()
	for _, p := range pending {
		p.fail()
		asyncNotify(p.completeCh)
	}
}

// onPacket parses and consumes one framed packet while its ring node is
// still reserved. The returned closure, if any, is the handler dispatch to
// run after the node has been released.
func (c *Channel) onPacket(buf []byte) func() {
	if err := checkPacketValid(buf); err != nil {
		atomic.AddUint64(&c.stats.malformedFrames, 1)
		c.logger.warnf("dropped malformed packet of %d bytes", len(buf))
		return nil
	}
	h := packetHeader(buf)
	atomic.AddUint64(&c.stats.packetsRecv, 1)
	atomic.AddUint64(&c.stats.inFlowBytes, uint64(len(buf)))
	storeMax(&c.stats.largestRecv, uint64(len(buf)))

	bodyLen := packetBodyLen(h.PayloadSize(), h.CurrentPacket(), h.TotalPackets(), c.bodyPerPacket)
	if len(buf)-packetHeaderSize < bodyLen {
		atomic.AddUint64(&c.stats.malformedFrames, 1)
		c.logger.warnf("dropped truncated packet: %s", h.String())
		return nil
	}
	body := buf[packetHeaderSize : packetHeaderSize+bodyLen]
	if debugMode {
		packetLogger.debugf("received %s body:%d", h.String(), bodyLen)
	}

	switch h.MsgType() {
	case msgResponse, msgError:
		c.onResponsePacket(h, body)
		return nil
	default:
		return c.onRequestPacket(h, body)
	}
}

func (c *Channel) onResponsePacket(h packetHeader, body []byte) {
	id := h.ResponseID()
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.pendingMu.Unlock()
		atomic.AddUint64(&c.stats.discardedResponses, 1)
		atomic.StoreUint64(&c.stats.lastDiscardedID, id)
		c.logger.debugf("discarded response for unknown msgID:%d", id)
		return
	}
	if h.PayloadSize() > 0 && p.data == nil {
		p.data = make([]byte, h.PayloadSize())
	}
	copy(p.data[int(h.CurrentPacket()-1)*c.bodyPerPacket:], body)
	p.packets++
	final := p.packets == h.TotalPackets()
	if final {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !final {
		return
	}
	atomic.StoreUint64(&c.stats.lastMsgSizeIn, uint64(h.PayloadSize()))
	if h.MsgType() == msgError {
		atomic.AddUint64(&c.stats.errorsReceived, 1)
		p.fail()
	} else {
		atomic.AddUint64(&c.stats.responsesReceived, 1)
		p.success = true
		atomic.StoreUint32(&p.done, 1)
	}
	asyncNotify(p.completeCh)
}

func (c *Channel) onRequestPacket(h packetHeader, body []byte) func() {
	id := h.MsgID()

	if h.TotalPackets() == 1 {
		payload := make([]byte, len(body))
		copy(payload, body)
		atomic.AddUint64(&c.stats.requestsReceived, 1)
		atomic.StoreUint64(&c.stats.lastMsgSizeIn, uint64(h.PayloadSize()))
		return func() { c.dispatch(id, payload) }
	}

	c.assemblyMu.Lock()
	a, ok := c.assembly[id]
	if !ok {
		a = &incomingAssembly{msgID: id, buf: make([]byte, h.PayloadSize())}
		c.assembly[id] = a
	}
	copy(a.buf[int(h.CurrentPacket()-1)*c.bodyPerPacket:], body)
	a.packets++
	final := a.packets == h.TotalPackets()
	if final {
		delete(c.assembly, id)
	}
	c.assemblyMu.Unlock()

	if !final {
		return nil
	}
	atomic.AddUint64(&c.stats.requestsReceived, 1)
	atomic.StoreUint64(&c.stats.lastMsgSizeIn, uint64(h.PayloadSize()))
	return func() { c.dispatch(id, a.buf) }
}

// dispatch hands one fully-assembled request to the handler and frames the
// reply. An async handler runs on a pooled goroutine so the receive worker
// can keep draining the ring.
func (c *Channel) dispatch(id uint64, payload []byte) {
	if c.handler == nil {
		c.logger.warnf("request msgID:%d dropped: no handler configured", id)
		c.sendReply(msgError, nil, id)
		return
	}
	run := func() {
		reply, err := c.handler.invoke(id, payload)
		if err != nil {
			c.logger.warnf("handler failed on msgID:%d error:%s", id, err.Error())
			c.sendReply(msgError, nil, id)
			return
		}
		c.sendReply(msgResponse, reply, id)
	}
	if c.handler.async {
		gopool.Go(run)
	} else {
		run()
	}
}

func (c *Channel) sendReply(mt msgType, payload []byte, inboundID uint64) {
	if err := c.terminalErr(); err != nil {
		return
	}
	if err := c.sendMessage(mt, c.nextID(), payload, inboundID); err != nil {
		c.logger.warnf("reply to msgID:%d failed:%s", inboundID, err.Error())
	}
}

func (c *Channel) monitorLoop() {
	if c.monitor == nil {
		return
	}
	tick := time.NewTicker(monitorPeriod)
	emitFunc := func() {
		c.monitor.OnEmitChannelMetrics(c.GetMetrics(), c)
	}
	defer func() {
		tick.Stop()
		if err := c.monitor.Flush(); err != nil {
			c.logger.warnf("monitor flush failed:%s", err.Error())
		}
	}()
	for {
		select {
		case <-tick.C:
			emitFunc()
		case <-c.shutdownCh:
			emitFunc()
			return
		}
	}
}

//Dispose tears this endpoint down: the owner marks both regions shut down
//so the peer observes a terminal Shutdown; all in-flight requests fail;
//workers drain out via their bounded waits; the regions are unmapped.
//Dispose is idempotent.
func (c *Channel) Dispose() {
	if !atomic.CompareAndSwapUint32(&c.disposed, 0, 1) {
		return
	}
	c.logger.infof("channel %s disposing", c.name)
	if c.isOwner {
		c.sendRegion.markShutdown()
		c.recvRegion.markShutdown()
	}
	close(c.shutdownCh)
	c.failAllPending()
	c.workerWg.Wait()
	c.sendRegion.close()
	c.recvRegion.close()
	if c.mutex != nil {
		c.mutex.release()
	}
	c.logger.infof("channel %s disposed", c.name)
}

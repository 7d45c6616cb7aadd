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
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

type logger struct {
	name      string
	out       io.Writer
	callDepth int
}

var (
	internalLogger = &logger{"", os.Stdout, 3}
	packetLogger   = &logger{"packet trace", os.Stdout, 4}
	level          int
	debugMode      = false

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelNoPrint
)

func init() {
	level = levelWarn
	if os.Getenv("SHMRING_LOG_LEVEL") != "" {
		if n, err := strconv.Atoi(os.Getenv("SHMRING_LOG_LEVEL")); err == nil {
			if n <= levelNoPrint {
				level = n
			}
		}
	}

	if os.Getenv("SHMRING_DEBUG_MODE") != "" {
		debugMode = true
	}
}

// SetLogLevel changes the internal logger's level; default is Warning.
// The process env `SHMRING_LOG_LEVEL` also sets the level.
func SetLogLevel(l int) {
	if l <= levelNoPrint {
		level = l
	}
}

func newLogger(name string, out io.Writer) *logger {
	if out == nil {
		out = os.Stdout
	}
	return &logger{
		name:      name,
		out:       out,
		callDepth: 3,
	}
}

func (l *logger) errorf(format string, a ...interface{}) {
	if level > levelError {
		return
	}
	fmt.Fprintf(l.out, l.prefix(levelError)+format+reset+"\n", a...)
}

func (l *logger) error(v interface{}) {
	if level > levelError {
		return
	}
	fmt.Fprintln(l.out, l.prefix(levelError), v, reset)
}

func (l *logger) warnf(format string, a ...interface{}) {
	if level > levelWarn {
		return
	}
	fmt.Fprintf(l.out, l.prefix(levelWarn)+format+reset+"\n", a...)
}

func (l *logger) warn(v interface{}) {
	if level > levelWarn {
		return
	}
	fmt.Fprintln(l.out, l.prefix(levelWarn), v, reset)
}

func (l *logger) infof(format string, a ...interface{}) {
	if level > levelInfo {
		return
	}
	fmt.Fprintf(l.out, l.prefix(levelInfo)+format+reset+"\n", a...)
}

func (l *logger) info(v interface{}) {
	if level > levelInfo {
		return
	}
	fmt.Fprintln(l.out, l.prefix(levelInfo), v, reset)
}

func (l *logger) debugf(format string, a ...interface{}) {
	if level > levelDebug {
		return
	}
	fmt.Fprintf(l.out, l.prefix(levelDebug)+format+reset+"\n", a...)
}

func (l *logger) debug(v interface{}) {
	if level > levelDebug {
		return
	}
	fmt.Fprintln(l.out, l.prefix(levelDebug), v, reset)
}

func (l *logger) tracef(format string, a ...interface{}) {
	if level > levelTrace {
		return
	}
	fmt.Fprintf(l.out, l.prefix(levelTrace)+format+reset+"\n", a...)
}

func (l *logger) trace(v interface{}) {
	if level > levelTrace {
		return
	}
	fmt.Fprintln(l.out, l.prefix(levelTrace), v, reset)
}

func (l *logger) prefix(level int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[level])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}

// DebugRingDetail prints a Ring's cursor geometry and per-node state, for
// diagnosing a wedged or leaking ring from outside the owning process.
// path is the region's backing file under /dev/shm; for a region whose file
// was already removed, use `lsof -p $PID` to find the fd and
// `cat /proc/$PID/fd/$FD > path` to dump it to the filesystem first.
func DebugRingDetail(path string) {
	r, err := openRingForDebug(path)
	if err != nil {
		fmt.Println(err)
		return
	}
	readStart := atomic.LoadUint32(r.readStart)
	readEnd := atomic.LoadUint32(r.readEnd)
	writeStart := atomic.LoadUint32(r.writeStart)
	writeEnd := atomic.LoadUint32(r.writeEnd)
	fmt.Printf("path:%s nodeCount:%d nodeBufferSize:%d readStart:%d readEnd:%d writeStart:%d writeEnd:%d\n",
		path, r.nodeCount, r.nodeBufferSize, readStart, readEnd, writeStart, writeEnd)

	occupied := (writeEnd + r.nodeCount - readEnd) % r.nodeCount
	fmt.Printf("summary: occupied nodes:%d of %d\n", occupied, r.nodeCount)

	for i := uint32(0); i < r.nodeCount; i++ {
		n := r.node(i)
		fmt.Printf("  node %d: next:%d prev:%d doneRead:%d doneWrite:%d amountWritten:%d\n",
			i, n.loadNext(), n.loadPrev(), n.loadDoneRead(), n.loadDoneWrite(), n.loadAmountWritten())
	}
}

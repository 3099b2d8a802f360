// Copyright 2024-2026 The CacheScope Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package alloctracker

import (
	"fmt"
	"os"
	"sync"

	"github.com/cachescope/cachescope/byteorder"
)

// EventSize is the fixed on-disk record size:
// u64 base, u64 size, u64 callsite_ip, u32 pid, u32 reserved,
// u64 type_handle, u32 kind, u32 is_free.
// The layout is stable between producer and consumer.
const EventSize = 48

// Event is one allocation-log record. The log is append-only and ordered
// per thread only; no global timestamp ordering is guaranteed.
type Event struct {
	Base       uint64
	Size       uint64
	CallsiteIP uint64
	PID        uint32
	TypeHandle uint64
	Kind       Kind
	Free       bool
}

// EncodeEvent serializes ev into buf, which must hold EventSize bytes.
func EncodeEvent(buf []byte, ev Event) {
	order := byteorder.GetHostByteOrder()
	order.PutUint64(buf[0:8], ev.Base)
	order.PutUint64(buf[8:16], ev.Size)
	order.PutUint64(buf[16:24], ev.CallsiteIP)
	order.PutUint32(buf[24:28], ev.PID)
	order.PutUint32(buf[28:32], 0) // reserved
	order.PutUint64(buf[32:40], ev.TypeHandle)
	order.PutUint32(buf[40:44], uint32(ev.Kind))
	var free uint32
	if ev.Free {
		free = 1
	}
	order.PutUint32(buf[44:48], free)
}

// DecodeEvent deserializes one record from buf.
func DecodeEvent(buf []byte) Event {
	order := byteorder.GetHostByteOrder()
	return Event{
		Base:       order.Uint64(buf[0:8]),
		Size:       order.Uint64(buf[8:16]),
		CallsiteIP: order.Uint64(buf[16:24]),
		PID:        order.Uint32(buf[24:28]),
		TypeHandle: order.Uint64(buf[32:40]),
		Kind:       Kind(order.Uint32(buf[40:44])),
		Free:       order.Uint32(buf[44:48]) != 0,
	}
}

// eventWriter appends fixed-size records to the trace file. A single mutex
// serializes writers; each append is one short critical section.
type eventWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  [EventSize]byte
}

func newEventWriter(path string) (*eventWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file %s: %w", path, err)
	}
	return &eventWriter{file: f}, nil
}

func (w *eventWriter) append(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	EncodeEvent(w.buf[:], ev)
	if _, err := w.file.Write(w.buf[:]); err != nil {
		return fmt.Errorf("append allocation event: %w", err)
	}
	return nil
}

func (w *eventWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Intel XMM7360 LTE modem driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xmm7360

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Presentation selects how an open queue pair is exposed to its external
// collaborator. Three known cases, dispatched by a small stored enum rather
// than open polymorphism (spec §9).
type Presentation int

const (
	PresentationRaw Presentation = iota
	PresentationTerminal
	PresentationNetwork
)

// channelTable assigns each queue pair its role, ring depth and per-entry
// page size (spec §6). Indices 5 and 6 carry no assignment in the known
// channel map and are left at their zero value, never started.
var channelTable = [8]struct {
	presentation Presentation
	depth        int
	pageSize     int
}{
	0: {PresentationNetwork, 128, 16384},
	1: {PresentationRaw, 16, 16384},
	2: {PresentationTerminal, 8, 4096},
	3: {PresentationRaw, 16, 16384},
	4: {PresentationTerminal, 8, 4096},
	7: {PresentationTerminal, 8, 4096},
}

// PollStatus is the set spec §4.E's `poll` op reports.
type PollStatus struct {
	Readable bool
	Writable bool
	Hangup   bool
}

// QueuePair is one of the eight bidirectional channels: TD ring 2n is the
// host-to-device ("write") side, 2n+1 is device-to-host ("read"), per spec
// §3's queue pair data model.
type QueuePair struct {
	dev *Device
	id  int

	presentation Presentation
	depth        int
	pageSize     int

	tx *tdRing
	rx *tdRing

	// mu serializes start/stop only; the TD-ring hot path is governed by
	// the device-level single-producer/single-consumer discipline, per
	// spec §4.E/§5, and may run concurrently with it.
	mu   sync.Mutex
	open atomic.Bool

	wait *waiter

	// deliver receives each completed RX descriptor's payload for a raw
	// or terminal presentation. The network presentation (QP 0) leaves
	// this nil; its ingress is routed through the mux decoder instead,
	// see netsched.go.
	deliver func([]byte)
}

func newQueuePair(dev *Device, id int) *QueuePair {
	ch := channelTable[id]

	return &QueuePair{
		dev:          dev,
		id:           id,
		presentation: ch.presentation,
		depth:        ch.depth,
		pageSize:     ch.pageSize,
		tx:           newTDRing(dev, 2*id),
		rx:           newTDRing(dev, 2*id+1),
		wait:         newWaiter(),
	}
}

// DeliverFrame sets the callback the interrupt handler invokes with each
// completed RX descriptor's payload, for a raw or terminal queue pair. The
// out-of-tree character-device or tty layer is the intended caller.
func (qp *QueuePair) DeliverFrame(fn func([]byte)) {
	qp.deliver = fn
}

// Presentation reports how this queue pair is exposed.
func (qp *QueuePair) Presentation() Presentation {
	return qp.presentation
}

// PageSize reports the TD ring page size, the answer to the single ioctl
// spec §6 grants the byte-oriented presentation.
func (qp *QueuePair) PageSize() int {
	return qp.pageSize
}

// start opens both of the pair's TD rings, prefills the RX ring with empty
// descriptors, and rings the TD doorbell, per spec §4.E / xmm7360_qp_start().
func (qp *QueuePair) start() error {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if qp.open.Load() {
		return ErrBusy
	}

	if qp.depth == 0 {
		contractViolation("queue pair %d has no channel assignment", qp.id)
	}

	if err := qp.tx.create(qp.depth, qp.pageSize); err != nil {
		return err
	}

	if err := qp.rx.create(qp.depth, qp.pageSize); err != nil {
		qp.tx.destroy()
		return err
	}

	for !qp.rx.full() {
		qp.rx.publishEmpty()
	}

	qp.open.Store(true)
	qp.dev.ding(doorbellTD)

	return nil
}

// stop closes both TD rings, per xmm7360_qp_stop().
func (qp *QueuePair) stop() error {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if !qp.open.Load() {
		return ErrNotOpen
	}

	qp.open.Store(false)
	qp.tx.destroy()
	qp.rx.destroy()

	return nil
}

// CanWrite reports whether the TX ring has room for another descriptor.
func (qp *QueuePair) CanWrite() bool {
	return qp.open.Load() && !qp.tx.full()
}

// HasData reports whether the RX ring has advanced beyond last_handled.
func (qp *QueuePair) HasData() bool {
	return qp.open.Load() && qp.rx.hasData()
}

// Write enqueues one descriptor and rings the TD doorbell. It never partials
// below the caller's buffer: lengths beyond the page size are truncated to
// one descriptor's worth, per spec §4.E. Returns 0 (not an error) if the TX
// ring is full.
func (qp *QueuePair) Write(buf []byte) (int, error) {
	if qp.dev.Gone() {
		return 0, ErrDeviceGone
	}

	if !qp.open.Load() {
		return 0, ErrNotOpen
	}

	if len(buf) > qp.pageSize {
		buf = buf[:qp.pageSize]
	}

	if qp.tx.full() {
		return 0, nil
	}

	qp.tx.write(buf)
	qp.dev.ding(doorbellTD)

	return len(buf), nil
}

// Read blocks until a completed RX descriptor is available, the device goes
// away, or ctx is cancelled, then returns its payload and refills the slot.
func (qp *QueuePair) Read(ctx context.Context) ([]byte, error) {
	if !qp.open.Load() {
		return nil, ErrNotOpen
	}

	ready := func() bool {
		return qp.dev.Gone() || qp.rx.hasData()
	}

	ok, cancelled := qp.wait.waitUntil(ctx, ready, time.Time{})

	switch {
	case qp.dev.Gone():
		return nil, ErrDeviceGone
	case cancelled:
		return nil, ErrInterrupted
	case !ok:
		return nil, ErrInterrupted
	}

	buf := qp.rx.read()
	qp.dev.ding(doorbellTD)

	return buf, nil
}

// Poll reports readability, writability and hangup, per spec §4.E/§6.
func (qp *QueuePair) Poll() PollStatus {
	gone := qp.dev.Gone()

	return PollStatus{
		Readable: gone || qp.HasData(),
		Writable: gone || qp.CanWrite(),
		Hangup:   gone,
	}
}

// drainRaw is the interrupt handler's per-interrupt RX drain for a raw or
// terminal queue pair (spec §4.F step 3): every ready descriptor is
// delivered and its slot republished.
func (qp *QueuePair) drainRaw() {
	if qp.deliver == nil {
		return
	}

	drained := false

	for qp.rx.hasData() {
		qp.deliver(qp.rx.read())
		drained = true
	}

	if drained {
		qp.dev.ding(doorbellTD)
	}
}

// Intel XMM7360 LTE modem driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xmm7360

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func startNetScheduler(t *testing.T, td *testDevice) *netScheduler {
	t.Helper()

	n := newNetScheduler(td.dev, td.dev.qps[0])

	stop := td.autoAck()
	defer stop()

	if err := n.qp.start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	return n
}

// firstTXFrame reads back the bytes of the oldest TX descriptor the
// scheduler has pushed, the way the device would see them on the wire.
func firstTXFrame(n *netScheduler) []byte {
	length := n.qp.tx.length(0)
	return n.qp.tx.pageBufs[0][:length]
}

func TestNetSchedulerCoalescesOnTimer(t *testing.T) {
	td := newTestDevice()

	saved := CoalesceDelay
	CoalesceDelay = 2 * time.Millisecond
	defer func() { CoalesceDelay = saved }()

	n := startNetScheduler(t, td)

	n.enqueue([]byte{0x45, 0, 0, 0})

	time.Sleep(10 * time.Millisecond)

	n.mu.Lock()
	pending := len(n.pending)
	n.mu.Unlock()

	if pending != 0 {
		t.Fatalf("pending not flushed after coalesce delay: %d entries remain", pending)
	}

	if n.qp.tx.dev.cp.sWptr(n.qp.tx.id) == 0 {
		t.Fatal("coalesce timer did not push a descriptor to the tx ring")
	}

	frame := firstTXFrame(n)
	if binary.BigEndian.Uint32(frame[0:4]) != tagADBH {
		t.Fatalf("flushed frame tag: got %#x, want ADBH", binary.BigEndian.Uint32(frame[0:4]))
	}
}

func TestNetSchedulerFlushesBeforeOverflowingPage(t *testing.T) {
	td := newTestDevice()

	saved := CoalesceDelay
	CoalesceDelay = time.Hour // never let the timer fire during this test
	defer func() { CoalesceDelay = saved }()

	n := startNetScheduler(t, td)

	// Sized so the first packet alone fits one frame (ADBH header + pad +
	// payload + a one-entry ADTH trailer), but adding the 64-byte second
	// packet's pad+payload on top would not.
	first := make([]byte, n.qp.pageSize-80)
	first[0] = 0x45

	second := make([]byte, 64)
	second[0] = 0x45

	n.enqueue(first)
	n.enqueue(second)

	n.mu.Lock()
	pending := len(n.pending)
	n.mu.Unlock()

	if pending != 1 {
		t.Fatalf("expected the oversized second packet to trigger an immediate flush, leaving 1 pending, got %d", pending)
	}

	if n.qp.tx.dev.cp.sWptr(n.qp.tx.id) == 0 {
		t.Fatal("expected a forced flush to have pushed a descriptor before the buffer would overflow")
	}
}

func TestNetSchedulerHandleInterruptDrainsAndRefillsRX(t *testing.T) {
	td := newTestDevice()
	n := startNetScheduler(t, td)

	payload := []byte{0x45, 1, 2, 3}

	e := NewEncoder(n.qp.pageSize)
	if err := e.AddTag(tagADBH, 0, nil); err != nil {
		t.Fatalf("AddTag: %v", err)
	}

	if err := e.AppendPacket(payload); err != nil {
		t.Fatalf("AppendPacket: %v", err)
	}

	if err := e.FinishADTH(networkChannel); err != nil {
		t.Fatalf("FinishADTH: %v", err)
	}

	binary.LittleEndian.PutUint16(e.buf[e.firstLenOff:], uint16(len(e.buf)))

	n.qp.rx.setLength(0, uint16(len(e.buf)))
	copy(n.qp.rx.pageBufs[0], e.buf)
	n.qp.rx.dev.cp.setSRptr(n.qp.rx.id, 1)

	wptr := n.qp.rx.dev.cp.sWptr(n.qp.rx.id)

	n.handleInterrupt()

	if n.qp.rx.hasData() {
		t.Fatal("handleInterrupt did not drain the rx ring")
	}

	// Draining the descriptor must have republished a slot: the rx ring's
	// own write pointer advances by one, wrapping from the depth-1 that
	// start()'s prefill left it at.
	if n.qp.rx.dev.cp.sWptr(n.qp.rx.id) != (wptr+1)%uint32(n.qp.rx.depth) {
		t.Fatal("handleInterrupt did not refill the drained rx descriptor")
	}
}

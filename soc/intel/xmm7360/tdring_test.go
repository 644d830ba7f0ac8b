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
	"testing"
)

// openRing opens a ring through create(), with autoAck standing in for the
// device side of the command ring handshake (create() calls
// cmd.execute(cmdRingOpen, ...), which would otherwise block for
// CommandTimeout waiting on a read pointer nothing advances).
func openRing(t *testing.T, td *testDevice, id, depth, pageSize int) *tdRing {
	t.Helper()

	r := td.dev.tdRings[id]

	stop := td.autoAck()
	defer stop()

	if err := r.create(depth, pageSize); err != nil {
		t.Fatalf("create: %v", err)
	}

	return r
}

func TestTDRingWriteReadRoundTrip(t *testing.T) {
	td := newTestDevice()
	tx := openRing(t, td, 0, 8, 256)
	defer tx.destroy()

	if tx.full() {
		t.Fatal("freshly opened ring reports full")
	}

	rx := openRing(t, td, 1, 8, 256)
	defer rx.destroy()

	payload := []byte("hello modem")
	tx.write(payload)

	// Only odd rings are read by the host, so stand in for the device:
	// copy the TX descriptor's page into the first RX slot and advance
	// the RX ring's read pointer past it, then read it back.
	n := tx.length(0)
	copy(rx.pageBufs[0], tx.pageBufs[0][:n])
	rx.setLength(0, n)
	rx.dev.cp.setSRptr(rx.id, 1)

	got := rx.read()
	if !bytes.Equal(got, payload) {
		t.Fatalf("read: got %q, want %q", got, payload)
	}
}

func TestTDRingInvariantsStayInBounds(t *testing.T) {
	td := newTestDevice()
	r := openRing(t, td, 0, 4, 64)
	defer r.destroy()

	for i := 0; i < 3; i++ {
		r.write([]byte{byte(i)})
	}

	wptr := r.dev.cp.sWptr(r.id)
	rptr := r.dev.cp.sRptr(r.id)

	if wptr >= uint32(r.depth) {
		t.Fatalf("wptr %d out of bounds for depth %d", wptr, r.depth)
	}

	if rptr >= uint32(r.depth) {
		t.Fatalf("rptr %d out of bounds for depth %d", rptr, r.depth)
	}

	if r.lastHandled >= uint32(r.depth) {
		t.Fatalf("lastHandled %d out of bounds for depth %d", r.lastHandled, r.depth)
	}
}

func TestTDRingFullAtDepthMinusOne(t *testing.T) {
	td := newTestDevice()
	r := openRing(t, td, 0, 4, 64)
	defer r.destroy()

	for i := 0; i < r.depth-1; i++ {
		if r.full() {
			t.Fatalf("ring reported full after only %d writes", i)
		}
		r.write([]byte{byte(i)})
	}

	if !r.full() {
		t.Fatal("ring should be full with depth-1 descriptors outstanding")
	}
}

func TestTDRingWriteOnFullPanics(t *testing.T) {
	td := newTestDevice()
	r := openRing(t, td, 0, 2, 64)
	defer r.destroy()

	r.write([]byte{0})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic writing to a full ring")
		}
	}()

	r.write([]byte{1})
}

func TestTDRingWriteOnOddRingPanics(t *testing.T) {
	td := newTestDevice()
	r := openRing(t, td, 1, 4, 64)
	defer r.destroy()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic writing to an odd (RX) ring")
		}
	}()

	r.write([]byte{0})
}

func TestTDRingHasDataAndPublishEmpty(t *testing.T) {
	td := newTestDevice()
	rx := openRing(t, td, 1, 4, 64)
	defer rx.destroy()

	if rx.hasData() {
		t.Fatal("freshly opened RX ring reports data")
	}

	// The device "fills" a descriptor by advancing its slave read
	// pointer past lastHandled.
	rx.setLength(0, 5)
	rx.dev.cp.setSRptr(rx.id, 1)

	if !rx.hasData() {
		t.Fatal("RX ring should report data once device advances rptr")
	}

	buf := rx.read()
	if len(buf) != 5 {
		t.Fatalf("read length: got %d, want 5", len(buf))
	}

	if rx.hasData() {
		t.Fatal("RX ring should report no data once caught up")
	}

	// read() must have republished the slot by advancing the ring's
	// own write pointer (the host side of the RX ring).
	if rx.dev.cp.sWptr(rx.id) != 1 {
		t.Fatalf("publishEmpty did not advance swptr: got %d", rx.dev.cp.sWptr(rx.id))
	}
}

func TestTDRingNotPowerOfTwoPanics(t *testing.T) {
	td := newTestDevice()
	r := td.dev.tdRings[0]

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-power-of-two depth")
		}
	}()

	r.create(3, 64)
}

func TestTDRingDoubleOpenPanics(t *testing.T) {
	td := newTestDevice()
	r := openRing(t, td, 0, 4, 64)
	defer r.destroy()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic re-opening an already open ring")
		}
	}()

	r.create(4, 64)
}

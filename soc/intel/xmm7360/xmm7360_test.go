// Intel XMM7360 LTE modem driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xmm7360

import (
	"time"
	"unsafe"

	"github.com/usbarmory/xmm7360/dma"
)

// Real commands are only ever completed by acking goroutines in these
// tests; keep the default short so a test that forgets to ack (or a
// deferred destroy()) doesn't stall the suite for the production default.
func init() {
	CommandTimeout = 30 * time.Millisecond
}

// addrOf returns the address of a host-backed buffer so it can stand in
// for a DMA-coherent page in tests, the same trick dma.Region.Reserve
// relies on to hand out slices over arbitrary addresses. The caller must
// keep buf alive for as long as the returned address is used.
func addrOf(buf []byte) uint {
	return uint(uintptr(unsafe.Pointer(&buf[0])))
}

// testDevice wires up a Device whose BAR0/BAR2 register windows and DMA
// region are ordinary host memory rather than real MMIO, so command ring
// and TD ring logic can be exercised without a physical modem. Nothing in
// testDevice simulates firmware behavior: callers drive the command ring
// read pointer themselves to stand in for the device side.
type testDevice struct {
	dev       *Device
	bar0Buf   []byte
	bar2Buf   []byte
	regionBuf []byte
}

func newTestDevice() *testDevice {
	td := &testDevice{
		bar0Buf:   make([]byte, 256),
		bar2Buf:   make([]byte, 256),
		regionBuf: make([]byte, 16<<20),
	}

	d := &Device{}
	d.bar0 = bar{base: addrOf(td.bar0Buf)}
	d.bar2 = bar{base: addrOf(td.bar2Buf)}

	// refreshStatus() latches DeviceGone whenever BAR2.STATUS isn't
	// "ready", which every ding() call checks; stand in for a booted,
	// healthy device so component tests aren't all tripped into the
	// gone state on their first doorbell.
	d.bar2.write(bar2Status, statusReady)

	// Back the DMA region with real, GC-pinned process memory (the same
	// trick addrOf already uses for the register banks) rather than an
	// arbitrary physical-looking base address: reg.Read/Write dereference
	// these addresses directly, so the region must be real memory the
	// test process actually owns.
	d.region = dma.Init(addrOf(td.regionBuf), uint(len(td.regionBuf)))

	addr, _ := d.region.Reserve(controlPageSize, 0)
	d.cp = newControlPage(addr)
	d.cmd = newCommandRing(d)

	for i := range d.tdRings {
		d.tdRings[i] = newTDRing(d, i)
	}

	for i := range d.qps {
		d.qps[i] = newQueuePair(d, i)
	}

	td.dev = d

	return td
}

// ackNextCommand advances the command ring read pointer to match the write
// pointer, standing in for the device consuming and completing one entry.
func (td *testDevice) ackNextCommand() {
	td.dev.cp.setCRptr(td.dev.cp.cWptr())
}

// autoAck starts a background goroutine that immediately completes every
// command submitted to the ring, standing in for a device that always
// acks. The returned func stops it.
func (td *testDevice) autoAck() (stop func()) {
	done := make(chan struct{})

	go func() {
		t := time.NewTicker(time.Millisecond)
		defer t.Stop()

		for {
			select {
			case <-done:
				return
			case <-t.C:
				cp := td.dev.cp
				if cp.cWptr() != cp.cRptr() {
					td.ackNextCommand()
					td.dev.cmd.woken()
				}
			}
		}
	}()

	return func() { close(done) }
}

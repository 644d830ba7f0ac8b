// Intel XMM7360 LTE modem driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package xmm7360 implements the DMA transport core of a driver for the
// Intel XMM7360 LTE modem (PCI 0x8086:0x7360): the command ring, the
// sixteen transfer-descriptor rings organized as eight queue pairs, and
// the mux framing protocol multiplexing IP traffic onto queue pair 0.
//
// The character-device/terminal presentation, PCI probe/remove plumbing,
// and the RPC codec riding on top of one of the channels are external
// collaborators and are out of scope for this package; see
// Device.Channel and Device.Network for the seams they attach to.
package xmm7360

import (
	"log"
	"sync"
	"time"

	"github.com/usbarmory/xmm7360/dma"
	"github.com/usbarmory/xmm7360/soc/intel/pci"
)

// Debug gates the verbose device dump xmm7360_dump() produced in the
// original driver on every doorbell ring; left off by default since it is
// purely diagnostic.
var Debug = false

// BootTimeout bounds each of the two BAR2.MODE polls during initialization
// (spec §4.B); StatusTimeout bounds the subsequent device status settle
// poll (spec §6's "still booting" wait).
var (
	BootTimeout   = 1 * time.Second
	bootPollStep  = 10 * time.Millisecond
	StatusTimeout = 20 * time.Second
)

// Device is a single XMM7360 modem instance.
type Device struct {
	pci *pci.Device

	bar0 bar
	bar2 bar

	region *dma.Region
	cp     *controlPage

	cmd *commandRing

	tdRings [numRings]*tdRing
	qps     [8]*QueuePair

	net *netScheduler

	errMu sync.Mutex
	err   error
}

// Open probes the control page onto the device, drives the mode handshake
// and boot-status poll of spec §4.B, arms the command ring, and opens every
// statically assigned queue pair (spec §6). QP 0 is wired to the network
// scheduler rather than exposed as a channel.
func Open(d *pci.Device) (*Device, error) {
	dev := &Device{pci: d}

	dev.bar0 = bar{base: d.BaseAddress(0)}
	dev.bar2 = bar{base: d.BaseAddress(2)}

	// The control page and every TD ring's backing pages are ordinary
	// coherent system RAM, not a window carved out of the device's own
	// MMIO BAR; board bring-up (out of scope, per spec §1) is expected to
	// have called dma.Init() once before any driver probes, the same way
	// every other TamaGo board init does.
	dev.region = dma.Default()

	addr, _ := dev.region.Reserve(controlPageSize, 0)
	dev.cp = newControlPage(addr)
	dev.cmd = newCommandRing(dev)

	for i := range dev.tdRings {
		dev.tdRings[i] = newTDRing(dev, i)
	}

	for i := range dev.qps {
		dev.qps[i] = newQueuePair(dev, i)
	}

	if err := dev.boot(); err != nil {
		return nil, err
	}

	if err := dev.enableInterrupt(); err != nil {
		return nil, err
	}

	dev.net = newNetScheduler(dev, dev.qps[0])

	for _, idx := range []int{1, 2, 3, 4, 7} {
		if err := dev.qps[idx].start(); err != nil {
			dev.Close()
			return nil, err
		}
	}

	if err := dev.net.start(); err != nil {
		dev.Close()
		return nil, err
	}

	return dev, nil
}

func (d *Device) boot() error {
	d.bar2.write(bar2Control, uint32(d.cp.base))
	d.bar2.write(bar2ControlH, uint32(d.cp.base>>32))

	d.bar0.write(bar0Mode, 1)

	if !pollNonzero(d.bar2, bar2Mode, BootTimeout) {
		return ErrTimeout
	}

	d.bar2.write(bar2Blank0, 0)
	d.bar2.write(bar2Blank1, 0)
	d.bar2.write(bar2Blank2, 0)
	d.bar2.write(bar2Blank3, 0)

	d.bar0.write(bar0Mode, 2)

	if !d.bar2.waitFor(bar2Mode, 2, BootTimeout) {
		return ErrTimeout
	}

	if err := d.statusPoll(); err != nil {
		return err
	}

	if err := d.cmd.execute(cmdWakeup, 0, 1, 0, 0); err != nil {
		return err
	}

	d.debugDump()

	return nil
}

func (d *Device) statusPoll() error {
	deadline := time.Now().Add(StatusTimeout)

	for {
		switch d.bar2.read(bar2Status) {
		case statusReady:
			return nil
		case statusCrashed:
			return ErrDeviceGone
		}

		if !time.Now().Before(deadline) {
			return ErrTimeout
		}

		time.Sleep(bootPollStep)
	}
}

func pollNonzero(b bar, word uint, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for b.read(word) == 0 {
		if !time.Now().Before(deadline) {
			return false
		}

		time.Sleep(bootPollStep)
	}

	return true
}

func (d *Device) enableInterrupt() error {
	for off, hdr := range d.pci.Capabilities() {
		if hdr.Vendor != pci.MSIX {
			continue
		}

		msix := &pci.CapabilityMSIX{}

		if err := msix.Unmarshal(d.pci, off); err != nil {
			return err
		}

		msix.EnableInterrupt(0, uint64(d.bar0.base+bar0Doorbell*4), 0)

		return nil
	}

	return ErrDeviceGone
}

// ding signals the device of new work on the given doorbell, waking it
// first if the status block reports it is asleep, and refreshes the error
// latch from the current status words -- the Go equivalent of
// xmm7360_ding()/xmm7360_poll() in the original driver.
func (d *Device) ding(bell uint32) {
	if d.cp.asleep() {
		d.bar0.write(bar0Wakeup, 1)
	}

	d.bar0.write(bar0Doorbell, bell)
	d.refreshStatus()
	d.debugDump()
}

func (d *Device) refreshStatus() {
	if d.cp.statusCode() == statusCrashed {
		d.latch(ErrDeviceGone)
	}

	if d.bar2.read(bar2Status) != statusReady {
		d.latch(ErrDeviceGone)
	}
}

func (d *Device) latch(err error) {
	d.errMu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.errMu.Unlock()
}

// Gone reports whether the device has been latched into permanent error
// state (spec §7's DeviceGone, returned by every subsequent operation).
func (d *Device) Gone() bool {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err != nil
}

func (d *Device) debugDump() {
	if !Debug {
		return
	}

	log.Printf("xmm7360: status=%#x asleep=%v cmd=%d:%d flags=%#x", d.cp.statusCode(), d.cp.asleep(), d.cp.cRptr(), d.cp.cWptr(), d.cp.entryFlags(d.cp.cRptr()))
}

// Channel returns the byte-oriented presentation for queue pair n (1, 2, 3,
// 4 or 7; QP 0 is reserved for the network scheduler). The returned value
// is the seam an out-of-tree character-device or tty layer attaches to.
func (d *Device) Channel(n int) (*QueuePair, error) {
	if n < 0 || n > 7 || n == 0 {
		return nil, ErrNotOpen
	}

	return d.qps[n], nil
}

// Network returns the egress/ingress scheduler driving queue pair 0, the
// seam the kernel-supplied IP interface wrapper attaches to.
func (d *Device) Network() *netScheduler {
	return d.net
}

// Close tears the device down: wakes every waiter so blocked callers
// observe DeviceGone, best-effort closes every open queue pair, and frees
// the command ring and control page. Mirrors xmm7360_remove()'s ordering.
func (d *Device) Close() {
	d.latch(ErrDeviceGone)

	for _, qp := range d.qps {
		qp.wait.wake()
		_ = qp.stop()
	}

	d.cmd.wait.wake()

	d.bar0.write(bar0Mode, 0)

	if d.cp != nil {
		d.region.Release(d.cp.base)
	}
}

// Intel XMM7360 LTE modem driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xmm7360

import "github.com/usbarmory/xmm7360/internal/reg"

// Device status codes (BAR2.STATUS and the control page status block read
// the same values).
const (
	statusReady    = 0x600df00d
	statusCrashed  = 0xbadc0ded
	statusBooting  = 0xfeedb007
)

// Command codes submitted through the command ring.
const (
	cmdRingOpen  = 1
	cmdRingClose = 2
	cmdRingFlush = 3
	cmdWakeup    = 4
)

// Command ring entry flags.
const (
	cmdFlagDone  = 1
	cmdFlagReady = 2
)

const (
	numRings    = 16
	cmdRingSize = 0x80 // CMD_RING_SIZE

	cmdEntrySize  = 32
	controlSize   = 56
	statusSize    = 16
	pointerArrays = 16 * 4 * 2 // s_wptr + s_rptr, 16 uint32 each

	// Byte offsets within the control page. Every dma_addr_t-shaped field
	// (one that holds the physical address of another field in the same
	// page) is stored as a little-endian low/high uint32 pair, the same
	// shape BAR2.CONTROL/CONTROLH already use for the page's own address --
	// this avoids needing a 64-bit atomic store primitive that the
	// runtime's reg package declares but, on this target, has no backing
	// implementation for (see DESIGN.md).
	offCtlStatus  = 0
	offCtlSWptr   = 8
	offCtlSRptr   = 16
	offCtlCWptr   = 24
	offCtlCRptr   = 32
	offCtlCRing   = 40
	offCtlRSize   = 48

	offStatus  = controlSize
	offSWptr   = offStatus + statusSize
	offSRptr   = offSWptr + 16*4
	offCWptr   = offSRptr + 16*4
	offCRptr   = offCWptr + 4
	offCRing   = offCRptr + 4

	controlPageSize = offCRing + cmdRingSize*cmdEntrySize
)

// controlPage is the single DMA-coherent page shared with the device: a
// root block of pointers, a device-written status block, the slave
// read/write pointer arrays (one pair per TD ring), and the command ring
// entries themselves.
type controlPage struct {
	base uint
}

func newControlPage(base uint) *controlPage {
	cp := &controlPage{base: base}
	cp.init()
	return cp
}

// init programs the root block with the physical offsets of every other
// field, as the device expects to find them, per spec §4.B.
func (cp *controlPage) init() {
	cp.writePtr(offCtlStatus, cp.base+offStatus)
	cp.writePtr(offCtlSWptr, cp.base+offSWptr)
	cp.writePtr(offCtlSRptr, cp.base+offSRptr)
	cp.writePtr(offCtlCWptr, cp.base+offCWptr)
	cp.writePtr(offCtlCRptr, cp.base+offCRptr)
	cp.writePtr(offCtlCRing, cp.base+offCRing)
	reg.Write(cp.base+offCtlRSize, cmdRingSize)
}

func (cp *controlPage) writePtr(off uint, val uint) {
	reg.Write(cp.base+off, uint32(val))
	reg.Write(cp.base+off+4, uint32(val>>32))
}

func (cp *controlPage) statusCode() uint32 {
	return reg.Read(cp.base + offStatus)
}

func (cp *controlPage) asleep() bool {
	return reg.Read(cp.base+offStatus+8) != 0
}

func (cp *controlPage) sWptr(ring int) uint32 { return reg.Read(cp.base + offSWptr + uint(ring)*4) }
func (cp *controlPage) sRptr(ring int) uint32 { return reg.Read(cp.base + offSRptr + uint(ring)*4) }

func (cp *controlPage) setSWptr(ring int, val uint32) {
	reg.Write(cp.base+offSWptr+uint(ring)*4, val)
}

func (cp *controlPage) setSRptr(ring int, val uint32) {
	reg.Write(cp.base+offSRptr+uint(ring)*4, val)
}

func (cp *controlPage) cWptr() uint32 { return reg.Read(cp.base + offCWptr) }
func (cp *controlPage) cRptr() uint32 { return reg.Read(cp.base + offCRptr) }
func (cp *controlPage) setCWptr(val uint32) { reg.Write(cp.base+offCWptr, val) }

// setCRptr is normally advanced by the device itself as it drains the
// command ring; it exists on the host side only so tests can stand in for
// that side of the handshake.
func (cp *controlPage) setCRptr(val uint32) { reg.Write(cp.base+offCRptr, val) }

func (cp *controlPage) entryAddr(idx uint32) uint {
	return cp.base + offCRing + uint(idx)*cmdEntrySize
}

func (cp *controlPage) writeEntry(idx uint32, cmd, parm uint8, length uint16, ptr uint64, extra uint32) {
	addr := cp.entryAddr(idx)
	reg.Write(addr+0, uint32(ptr))
	reg.Write(addr+4, uint32(ptr>>32))
	reg.Write(addr+8, uint32(length))
	reg.Write(addr+12, uint32(parm))
	reg.Write(addr+16, uint32(cmd))
	reg.Write(addr+20, extra)
	reg.Write(addr+24, 0)
	reg.Write(addr+28, cmdFlagReady)
}

func (cp *controlPage) entryFlags(idx uint32) uint32 {
	return reg.Read(cp.entryAddr(idx) + 28)
}

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

	"github.com/usbarmory/xmm7360/internal/reg"
)

// PCI identity (PCI Code and ID Assignment Specification).
const (
	VendorID = 0x8086
	DeviceID = 0x7360
)

// BAR0 and BAR2 are word-indexed register banks: the offsets below count
// 32-bit words, not bytes, matching the device's own register map.
const (
	bar0Mode     = 0x0c
	bar0Doorbell = 0x04
	bar0Wakeup   = 0x14

	bar2Status   = 0x00
	bar2Mode     = 0x18
	bar2Control  = 0x19
	bar2ControlH = 0x1a
	bar2Blank0   = 0x1b
	bar2Blank1   = 0x1c
	bar2Blank2   = 0x1d
	bar2Blank3   = 0x1e
)

// Doorbell targets.
const (
	doorbellTD  = 0
	doorbellCmd = 1
)

// bar is a typed view over one of the device's memory-mapped register
// banks. All reads and writes are 32-bit and go through the runtime's
// atomic reg primitives, which forbid the compiler from reordering or
// caching them -- required by spec §4.A.
type bar struct {
	base uint
}

func (b bar) read(word uint) uint32 {
	return reg.Read(b.base + word*4)
}

func (b bar) write(word uint, val uint32) {
	reg.Write(b.base+word*4, val)
}

func (b bar) waitFor(word uint, val uint32, timeout time.Duration) bool {
	return reg.WaitFor(timeout, b.base+word*4, 0, 0xffffffff, val)
}

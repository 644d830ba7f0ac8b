// Intel XMM7360 LTE modem driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xmm7360

import "github.com/usbarmory/xmm7360/internal/reg"

const tdEntrySize = 16 // addr(8) + length(2) + flags(2) + scratch(4)

// openMagic is the fixed extra word the original driver passes on
// CMD_RING_OPEN; its meaning beyond "magic the device expects" was never
// documented upstream (spec §9 Open Question (a) notes a similarly
// undocumented early-prototype command, this is its open-time cousin).
const openMagic = 0x60

// tdRing is one of the sixteen transfer-descriptor rings: a descriptor
// array plus one backing DMA page per slot, indexed single-producer /
// single-consumer with the device on the opposite side (spec §4.D).
type tdRing struct {
	dev *Device
	id  int

	depth    int
	pageSize int

	descAddr  uint
	pageAddrs []uint
	pageBufs  [][]byte

	lastHandled uint32
}

func newTDRing(dev *Device, id int) *tdRing {
	return &tdRing{dev: dev, id: id}
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// create allocates the descriptor array and its backing pages, then opens
// the ring on the device via CMD_RING_OPEN.
func (r *tdRing) create(depth, pageSize int) error {
	if r.depth != 0 {
		contractViolation("td ring %d already open", r.id)
	}

	if !isPowerOfTwo(depth) {
		contractViolation("td ring %d depth %d is not a power of two", r.id, depth)
	}

	r.depth = depth
	r.pageSize = pageSize
	r.lastHandled = 0

	descAddr, _ := r.dev.region.Reserve(depth*tdEntrySize, 0)
	r.descAddr = descAddr

	r.pageAddrs = make([]uint, depth)
	r.pageBufs = make([][]byte, depth)

	for i := 0; i < depth; i++ {
		pageAddr, buf := r.dev.region.Reserve(pageSize, 0)
		r.pageAddrs[i] = pageAddr
		r.pageBufs[i] = buf
		r.writeDescAddr(i, pageAddr)
	}

	r.dev.cp.setSWptr(r.id, 0)
	r.dev.cp.setSRptr(r.id, 0)

	return r.dev.cmd.execute(cmdRingOpen, uint8(r.id), uint16(depth), uint64(descAddr), openMagic)
}

// destroy issues a best-effort CMD_RING_CLOSE and releases every
// allocation, per spec §4.D.
func (r *tdRing) destroy() {
	if r.depth == 0 {
		return
	}

	_ = r.dev.cmd.execute(cmdRingClose, uint8(r.id), 0, 0, 0)

	for _, p := range r.pageAddrs {
		r.dev.region.Release(p)
	}

	r.dev.region.Release(r.descAddr)
	r.pageAddrs = nil
	r.pageBufs = nil
	r.depth = 0
}

func (r *tdRing) descAt(idx uint32) uint {
	return r.descAddr + uint(idx)*tdEntrySize
}

func (r *tdRing) writeDescAddr(idx int, pageAddr uint) {
	addr := r.descAt(uint32(idx))
	reg.Write(addr+0, uint32(pageAddr))
	reg.Write(addr+4, uint32(pageAddr>>32))
}

func (r *tdRing) setLength(idx uint32, length uint16) {
	addr := r.descAt(idx)
	reg.Write(addr+8, uint32(length))
	reg.Write(addr+12, 0)
}

func (r *tdRing) length(idx uint32) uint16 {
	return uint16(reg.Read(r.descAt(idx) + 8))
}

// full reports whether the ring cannot accept another descriptor without
// overtaking the device's read pointer, per spec §4.D.
func (r *tdRing) full() bool {
	wptr := r.dev.cp.sWptr(r.id)
	next := (wptr + 1) % uint32(r.depth)
	return next == r.dev.cp.sRptr(r.id)
}

// hasData reports whether the device has advanced past lastHandled on an
// RX (odd) ring.
func (r *tdRing) hasData() bool {
	return r.dev.cp.sRptr(r.id) != r.lastHandled
}

// write copies buf into the page at the current write pointer (even
// rings only) and advances it, per spec §4.D's host write-side op.
func (r *tdRing) write(buf []byte) {
	if r.id&1 != 0 {
		contractViolation("write on odd (read) ring %d", r.id)
	}

	if len(buf) > r.pageSize {
		contractViolation("write of %d bytes exceeds page size %d on ring %d", len(buf), r.pageSize, r.id)
	}

	if r.full() {
		contractViolation("write on full ring %d", r.id)
	}

	wptr := r.dev.cp.sWptr(r.id)
	copy(r.pageBufs[wptr], buf)
	r.setLength(wptr, uint16(len(buf)))

	next := (wptr + 1) % uint32(r.depth)
	r.dev.cp.setSWptr(r.id, next)
}

// publishEmpty republishes a fresh empty descriptor on an RX (odd) ring,
// telling the device another slot is available to fill.
func (r *tdRing) publishEmpty() {
	if r.id&1 == 0 {
		contractViolation("read publish on even (write) ring %d", r.id)
	}

	wptr := r.dev.cp.sWptr(r.id)
	r.setLength(wptr, uint16(r.pageSize))

	next := (wptr + 1) % uint32(r.depth)
	r.dev.cp.setSWptr(r.id, next)
}

// read returns the bytes of the oldest unconsumed completed descriptor and
// advances lastHandled, then republishes the slot.
func (r *tdRing) read() []byte {
	idx := r.lastHandled
	n := r.length(idx)

	out := make([]byte, n)
	copy(out, r.pageBufs[idx][:n])

	r.publishEmpty()
	r.lastHandled = (idx + 1) % uint32(r.depth)

	return out
}

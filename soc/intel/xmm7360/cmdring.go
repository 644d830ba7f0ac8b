// Intel XMM7360 LTE modem driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xmm7360

import (
	"log"
	"sync"
	"time"
)

// CommandTimeout bounds how long execute() waits for the device to
// advance its command ring read pointer. Exported so a caller with a
// slower device can raise it, the way kvm/gvnic exports CommandTimeout
// for its admin queue.
var CommandTimeout = 1 * time.Second

// commandRing submits host-to-device control commands (queue pair
// open/close, wakeup) and waits for completion. It is the only path that
// writes command entries into the control page; spec §4.C requires a
// single-producer discipline, enforced here by submitMu.
type commandRing struct {
	dev *Device

	submitMu sync.Mutex
	wait     *waiter
}

func newCommandRing(dev *Device) *commandRing {
	return &commandRing{dev: dev, wait: newWaiter()}
}

// execute is the only externally exposed entry point: submit followed by
// wait, per spec §4.C.
func (c *commandRing) execute(cmd, parm uint8, length uint16, ptr uint64, extra uint32) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if err := c.submit(cmd, parm, length, ptr, extra); err != nil {
		return err
	}

	return c.waitDone()
}

func (c *commandRing) submit(cmd, parm uint8, length uint16, ptr uint64, extra uint32) error {
	if c.dev.Gone() {
		return ErrDeviceGone
	}

	cp := c.dev.cp
	wptr := cp.cWptr()
	newWptr := (wptr + 1) % cmdRingSize

	if newWptr == cp.cRptr() {
		return ErrBusy
	}

	logCmd(cmd, parm, length, ptr)

	cp.writeEntry(wptr, cmd, parm, length, ptr, extra)
	cp.setCWptr(newWptr)

	c.dev.ding(doorbellCmd)

	return nil
}

func (c *commandRing) waitDone() error {
	deadline := time.Now().Add(CommandTimeout)

	ready := func() bool {
		return c.dev.Gone() || c.dev.cp.cRptr() == c.dev.cp.cWptr()
	}

	ok, _ := c.wait.waitUntil(nil, ready, deadline)

	switch {
	case c.dev.Gone():
		return ErrDeviceGone
	case !ok:
		return ErrTimeout
	default:
		return nil
	}
}

// woken is called by the interrupt handler on every device interrupt.
func (c *commandRing) woken() {
	c.wait.wake()
}

func logCmd(cmd, parm uint8, length uint16, ptr uint64) {
	log.Printf("xmm7360: cmd ring execute cmd=%#x parm=%#x len=%#x ptr=%#x", cmd, parm, length, ptr)
}

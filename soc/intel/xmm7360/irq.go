// Intel XMM7360 LTE modem driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xmm7360

// HandleInterrupt services the device's single MSI/MSI-X vector, per spec
// §4.F. It is the sole consumer of RX "advance" events and runs to
// completion before the vector is re-enabled: re-check status, wake the
// command ring, then give every open queue pair a chance to drain.
//
// The out-of-tree interrupt dispatcher (an MSI-X handler registered through
// the runtime's interrupt controller) is expected to call this once per
// vector fire; it never blocks and never sleeps, per spec §5.
func (d *Device) HandleInterrupt() {
	d.refreshStatus()
	d.cmd.woken()

	for _, qp := range d.qps {
		if !qp.open.Load() {
			continue
		}

		qp.wait.wake()

		if qp.presentation == PresentationNetwork {
			continue
		}

		qp.drainRaw()
	}

	if d.net != nil {
		d.net.handleInterrupt()
	}
}

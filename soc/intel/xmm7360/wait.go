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
	"time"
)

// waiter is the "wait object" spec §4.C/§4.F refers to: something the
// interrupt handler wakes and blocking callers sleep on. Modeled on the USB
// bus driver's event condition variable (soc/nxp/usb/bus.go's `event
// *sync.Cond`), generalized with an optional deadline and an optional
// cancellation context for channel reads.
type waiter struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newWaiter() *waiter {
	w := &waiter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// wake broadcasts to every blocked waitUntil call, run from the interrupt
// handler or any path that changes the condition callers are waiting on.
func (w *waiter) wake() {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// waitUntil blocks until ready() returns true, the deadline passes (a zero
// deadline means no timeout), or ctx is cancelled (nil means not
// cancellable). It reports which of those occurred.
func (w *waiter) waitUntil(ctx context.Context, ready func() bool, deadline time.Time) (ok bool, cancelled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !deadline.IsZero() {
		timer := time.AfterFunc(time.Until(deadline), w.wake)
		defer timer.Stop()
	}

	if ctx != nil {
		stop := context.AfterFunc(ctx, w.wake)
		defer stop()
	}

	for !ready() {
		if ctx != nil && ctx.Err() != nil {
			return false, true
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false, false
		}

		w.cond.Wait()
	}

	return true, false
}

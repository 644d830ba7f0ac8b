// Intel XMM7360 LTE modem driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xmm7360

import (
	"errors"
	"fmt"
)

// Transient and permanent error conditions returned by the driver. Transient
// errors (ErrBusy, ErrNoSpace, ErrTimeout) are safe to retry; ErrDeviceGone
// is latched once the device is declared dead and is returned by every
// subsequent call until the driver is torn down and reprobed.
var (
	ErrDeviceGone  = errors.New("xmm7360: device gone")
	ErrTimeout     = errors.New("xmm7360: timeout")
	ErrBusy        = errors.New("xmm7360: busy")
	ErrNotOpen     = errors.New("xmm7360: queue pair not open")
	ErrNoSpace     = errors.New("xmm7360: no space")
	ErrInterrupted = errors.New("xmm7360: interrupted")
	ErrBadTag      = errors.New("xmm7360: bad tag")
)

// contractViolation panics on a programmer error: a caller-side invariant
// that must never be violated by correct code (writing to an odd ring,
// exceeding a ring's page size, and similar). These are not exposed as
// Go errors because there is no sane recovery short of fixing the caller,
// matching the teacher's BUG_ON/WARN_ON-as-panic convention (dma/region.go
// panics the same way on an invalid allocator request).
func contractViolation(format string, args ...interface{}) {
	panic(fmt.Sprintf("xmm7360: contract violation: "+format, args...))
}

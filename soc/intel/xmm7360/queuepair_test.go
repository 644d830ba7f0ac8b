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
	"testing"
	"time"
)

func startQP(t *testing.T, td *testDevice, id int) *QueuePair {
	t.Helper()

	stop := td.autoAck()
	defer stop()

	qp := td.dev.qps[id]
	if err := qp.start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	return qp
}

func TestQueuePairStartStop(t *testing.T) {
	td := newTestDevice()
	qp := startQP(t, td, 1)

	if !qp.open.Load() {
		t.Fatal("open flag not set after start")
	}

	if err := qp.stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if qp.open.Load() {
		t.Fatal("open flag still set after stop")
	}
}

func TestQueuePairStartTwiceBusy(t *testing.T) {
	td := newTestDevice()
	qp := startQP(t, td, 1)
	defer qp.stop()

	if err := qp.start(); err != ErrBusy {
		t.Fatalf("second start: got %v, want ErrBusy", err)
	}
}

func TestQueuePairStopNotOpen(t *testing.T) {
	td := newTestDevice()
	qp := td.dev.qps[1]

	if err := qp.stop(); err != ErrNotOpen {
		t.Fatalf("stop on unopened pair: got %v, want ErrNotOpen", err)
	}
}

func TestQueuePairUnassignedChannelPanics(t *testing.T) {
	td := newTestDevice()
	qp := td.dev.qps[5]

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic starting an unassigned channel")
		}
	}()

	qp.start()
}

func TestQueuePairWriteNotOpen(t *testing.T) {
	td := newTestDevice()
	qp := td.dev.qps[1]

	if _, err := qp.Write([]byte("x")); err != ErrNotOpen {
		t.Fatalf("Write on unopened pair: got %v, want ErrNotOpen", err)
	}
}

func TestQueuePairWriteTruncatesToPageSize(t *testing.T) {
	td := newTestDevice()
	qp := startQP(t, td, 2)
	defer qp.stop()

	big := make([]byte, qp.pageSize+100)

	n, err := qp.Write(big)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	if n != qp.pageSize {
		t.Fatalf("Write returned %d, want %d (truncated)", n, qp.pageSize)
	}
}

func TestQueuePairWriteZeroWhenTXFull(t *testing.T) {
	td := newTestDevice()
	qp := startQP(t, td, 2)
	defer qp.stop()

	for i := 0; i < qp.depth; i++ {
		n, err := qp.Write([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}

		if n == 0 {
			// Ring reports full once depth-1 descriptors are
			// outstanding; stop feeding it.
			break
		}
	}

	n, err := qp.Write([]byte{0xff})
	if err != nil {
		t.Fatalf("Write on full ring: %v", err)
	}

	if n != 0 {
		t.Fatal("Write on a full TX ring should report 0, not an error")
	}
}

func TestQueuePairReadUnblocksOnData(t *testing.T) {
	td := newTestDevice()
	qp := startQP(t, td, 2)
	defer qp.stop()

	go func() {
		time.Sleep(5 * time.Millisecond)
		qp.rx.setLength(0, 4)
		qp.rx.dev.cp.setSRptr(qp.rx.id, 1)
		qp.wait.wake()
	}()

	buf, err := qp.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(buf) != 4 {
		t.Fatalf("Read length: got %d, want 4", len(buf))
	}
}

func TestQueuePairReadCancelledByContext(t *testing.T) {
	td := newTestDevice()
	qp := startQP(t, td, 2)
	defer qp.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	if _, err := qp.Read(ctx); err != ErrInterrupted {
		t.Fatalf("Read: got %v, want ErrInterrupted", err)
	}
}

func TestQueuePairPollReportsGone(t *testing.T) {
	td := newTestDevice()
	qp := startQP(t, td, 2)
	defer qp.stop()

	td.dev.latch(ErrDeviceGone)

	status := qp.Poll()
	if !status.Hangup || !status.Readable || !status.Writable {
		t.Fatalf("Poll after device gone: %+v", status)
	}
}

func TestQueuePairDrainRawDelivers(t *testing.T) {
	td := newTestDevice()
	qp := startQP(t, td, 2)
	defer qp.stop()

	var got []byte
	qp.DeliverFrame(func(b []byte) { got = b })

	qp.rx.setLength(0, 3)
	qp.rx.dev.cp.setSRptr(qp.rx.id, 1)

	qp.drainRaw()

	if len(got) != 3 {
		t.Fatalf("delivered length: got %d, want 3", len(got))
	}
}

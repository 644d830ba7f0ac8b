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

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// CoalesceDelay bounds how long the network scheduler waits, after the
// first packet of a new frame is queued, before flushing a partially full
// frame -- the "100 µs coalescing timer" of spec §4.H/§9.
var CoalesceDelay = 100 * time.Microsecond

// networkChannel is the mux channel id stamped into the network frame's
// ADTH tag.
const networkChannel = 0

// gVisor reports network protocol numbers as the IP EtherType, the same
// values ipv4.ProtocolNumber/ipv6.ProtocolNumber resolve to once the stack
// registers those protocols; the decoder only needs the bare numbers to
// hand off to InjectInbound, not the protocols themselves, so this package
// does not import them.
const (
	protoIPv4 tcpip.NetworkProtocolNumber = 0x0800
	protoIPv6 tcpip.NetworkProtocolNumber = 0x86dd
)

// netScheduler coalesces outbound IP packets into mux frames on queue pair
// 0 and decodes inbound frames back into packets, exposing a gVisor link
// endpoint as the seam spec §6 calls "the kernel-supplied IP interface
// wrapper" -- modeled on imx6/usb/ethernet/cdc_ecm.go's NIC.Link, adapted
// from a host-polled USB IN/OUT pair to a notify-then-pull egress path and
// an interrupt-driven ingress path, since DMA has no host-polled callback.
type netScheduler struct {
	dev *Device
	qp  *QueuePair

	link *channel.Endpoint
	enc  *Encoder

	mu      sync.Mutex
	pending [][]byte
	bytes   int
	timer   *time.Timer
	blocked bool
}

func newNetScheduler(dev *Device, qp *QueuePair) *netScheduler {
	return &netScheduler{
		dev:  dev,
		qp:   qp,
		link: channel.New(qp.depth, uint32(qp.pageSize), ""),
		enc:  NewEncoder(qp.pageSize),
	}
}

// Link returns the gVisor channel endpoint a network stack attaches to.
func (n *netScheduler) Link() *channel.Endpoint {
	return n.link
}

func (n *netScheduler) start() error {
	if err := n.qp.start(); err != nil {
		return err
	}

	n.link.AddNotify(n)

	return nil
}

// WriteNotify implements gVisor's channel.Notification, invoked whenever
// the network stack has queued an outbound packet on the link endpoint.
func (n *netScheduler) WriteNotify() {
	n.drainLink()
}

func (n *netScheduler) drainLink() {
	for {
		info, ok := n.link.Read()
		if !ok {
			return
		}

		n.enqueue(info.Pkt.Data.ToView())
	}
}

// enqueue implements spec §4.H's egress steps 1-3 for a single packet.
func (n *netScheduler) enqueue(payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Projected frame size with this packet added: first header, every
	// pad+payload, and an ADTH trailer with one bounds entry per packet.
	projected := firstHeaderSize + n.bytes + packetPadding + len(payload) +
		nextHeaderSize + 4 + (len(n.pending)+1)*boundsEntrySize

	if len(n.pending) > 0 && (len(n.pending) >= maxPackets || projected > n.qp.pageSize) {
		if n.qp.tx.full() {
			n.blocked = true
			log.Printf("xmm7360: network tx full, dropping packet pending flush")
			return
		}

		n.flushLocked()
	}

	n.pending = append(n.pending, payload)
	n.bytes += packetPadding + len(payload)

	if n.timer == nil {
		n.timer = time.AfterFunc(CoalesceDelay, n.onDeadline)
	}
}

func (n *netScheduler) onDeadline() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.timer = nil
	n.flushLocked()
}

// flushLocked builds and pushes one frame from the pending queue, per spec
// §4.H's flush algorithm. Caller holds n.mu. A NoSpace failure here
// indicates a sizing bug, since the must-flush check in enqueue should
// already have forced a flush before this much was queued; per spec, log
// and drop.
func (n *netScheduler) flushLocked() {
	if len(n.pending) == 0 {
		return
	}

	n.enc.reset()

	if err := n.enc.AddTag(tagADBH, 0, nil); err != nil {
		log.Printf("xmm7360: network flush: %v", err)
		n.pending = n.pending[:0]
		n.bytes = 0
		return
	}

	for _, p := range n.pending {
		if err := n.enc.AppendPacket(p); err != nil {
			log.Printf("xmm7360: network flush: %v", err)
			break
		}
	}

	if err := n.enc.FinishADTH(networkChannel); err != nil {
		log.Printf("xmm7360: network flush: %v", err)
	} else if err := n.enc.Push(n.qp); err != nil {
		log.Printf("xmm7360: network flush: %v", err)
	}

	n.pending = n.pending[:0]
	n.bytes = 0
}

// deliverInbound hands one decoded packet to the link endpoint's ingress
// path, mirroring cdc_ecm.go's ECMRx -> Link.InjectInbound call.
func (n *netScheduler) deliverInbound(payload []byte, ipv6 bool) {
	proto := protoIPv4
	if ipv6 {
		proto = protoIPv6
	}

	view := buffer.NewViewFromBytes(payload)
	pkt := &stack.PacketBuffer{Data: view.ToVectorisedView()}

	n.link.InjectInbound(proto, pkt)
}

// handleInterrupt is the network channel's share of spec §4.F step 3: drain
// every ready RX descriptor through the mux decoder, then resume the
// transmit path if it was previously blocked on a full TX ring.
func (n *netScheduler) handleInterrupt() {
	drained := false

	for n.qp.rx.hasData() {
		buf := n.qp.rx.read()
		drained = true

		if err := DecodeInbound(buf, n.deliverInbound); err != nil {
			log.Printf("xmm7360: mux decode: %v", err)
		}
	}

	if drained {
		n.dev.ding(doorbellTD)
	}

	n.mu.Lock()
	blocked := n.blocked
	n.blocked = false
	n.mu.Unlock()

	if blocked {
		n.drainLink()
	}
}

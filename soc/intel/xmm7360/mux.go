// Intel XMM7360 LTE modem driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xmm7360

import "encoding/binary"

// Mux tag codes: four-character codes stored big-endian on the wire (spec
// §4.G). Named with Go integer literals rather than rune math so the value
// is visible at a glance, the way a four-character-code constant usually
// is.
const (
	tagACBH uint32 = 0x41434248 // "ACBH"
	tagADBH uint32 = 0x41444248 // "ADBH"
	tagCMDH uint32 = 0x434d4448 // "CMDH"
	tagADTH uint32 = 0x41445448 // "ADTH"
)

const (
	firstHeaderSize = 16
	nextHeaderSize  = 12
	boundsEntrySize = 8
	packetPadding   = 16
	maxPackets      = 64
)

// bounds is one (offset, length) entry in an ADTH trailer.
type bounds struct {
	offset uint32
	length uint32
}

// Encoder builds one outbound mux frame at a time into a reused scratch
// buffer, grounded in rpc/mux.c's single global `frame` plus its
// frame_add_tag/frame_append_packet/frame_append_adth/frame_push functions.
type Encoder struct {
	max int
	buf []byte

	seq uint16

	hasTag      bool
	firstLenOff int
	lastLenOff  int
	lastNextOff int

	bounds  [maxPackets]bounds
	packets int
}

// NewEncoder returns an Encoder whose frames never exceed maxSize, the TD
// page size of the queue pair it will push to.
func NewEncoder(maxSize int) *Encoder {
	return &Encoder{max: maxSize, buf: make([]byte, 0, maxSize)}
}

// reset starts a new frame, per frame_init().
func (e *Encoder) reset() {
	e.buf = e.buf[:0]
	e.hasTag = false
	e.packets = 0
}

// AddTag appends a tag header and its payload, padding the cursor to a
// 4-byte boundary first and chaining the previous tag's next_offset to this
// one's start, per frame_add_tag(). The first tag in a frame gets the
// 16-byte first_header layout; every later tag gets the 12-byte next_header
// layout.
func (e *Encoder) AddTag(tag uint32, extra uint16, payload []byte) error {
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}

	headerSize := nextHeaderSize
	if !e.hasTag {
		headerSize = firstHeaderSize
	}

	total := headerSize + len(payload)

	if len(e.buf)+total > e.max {
		return ErrNoSpace
	}

	off := len(e.buf)

	if e.hasTag {
		binary.LittleEndian.PutUint32(e.buf[e.lastNextOff:], uint32(off))
	}

	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], tag)

	if !e.hasTag {
		binary.LittleEndian.PutUint16(hdr[6:8], e.seq)
		e.seq++
		binary.LittleEndian.PutUint16(hdr[8:10], uint16(total))
		binary.LittleEndian.PutUint16(hdr[10:12], extra)
		e.firstLenOff = off + 8
		e.lastLenOff = off + 8
		e.lastNextOff = off + 12
	} else {
		binary.LittleEndian.PutUint16(hdr[4:6], uint16(total))
		binary.LittleEndian.PutUint16(hdr[6:8], extra)
		e.lastLenOff = off + 4
		e.lastNextOff = off + 8
	}

	e.buf = append(e.buf, hdr...)
	e.buf = append(e.buf, payload...)
	e.hasTag = true

	return nil
}

// appendData extends the currently open tag's length field and appends raw
// bytes without a new header, per frame_append_data().
func (e *Encoder) appendData(data []byte) error {
	if len(e.buf)+len(data) > e.max {
		return ErrNoSpace
	}

	cur := binary.LittleEndian.Uint16(e.buf[e.lastLenOff:])
	binary.LittleEndian.PutUint16(e.buf[e.lastLenOff:], cur+uint16(len(data)))

	e.buf = append(e.buf, data...)

	return nil
}

// AppendPacket records a packet's bounds and appends its 16-byte zero pad
// plus payload under the currently open ADBH tag, per frame_append_packet().
// Fails with NoSpace if the packet, its pad, and a trailer sized for one
// more bounds entry than committed so far would overflow the frame.
func (e *Encoder) AppendPacket(payload []byte) error {
	if e.packets >= maxPackets {
		return ErrNoSpace
	}

	adth := nextHeaderSize + 4 + (e.packets+1)*boundsEntrySize

	if len(e.buf)+len(payload)+packetPadding+adth > e.max {
		return ErrNoSpace
	}

	e.bounds[e.packets] = bounds{offset: uint32(len(e.buf)), length: uint32(packetPadding + len(payload))}
	e.packets++

	if err := e.appendData(make([]byte, packetPadding)); err != nil {
		return err
	}

	return e.appendData(payload)
}

// FinishADTH appends the ADTH trailer tag -- a zero scratch word followed by
// the recorded bounds table, per frame_append_adth() -- with the channel id
// in the tag's extra field.
func (e *Encoder) FinishADTH(channel uint32) error {
	var scratch [4]byte

	if err := e.AddTag(tagADTH, uint16(channel), scratch[:]); err != nil {
		return err
	}

	table := make([]byte, e.packets*boundsEntrySize)

	for i := 0; i < e.packets; i++ {
		off := i * boundsEntrySize
		binary.LittleEndian.PutUint32(table[off:], e.bounds[i].offset)
		binary.LittleEndian.PutUint32(table[off+4:], e.bounds[i].length)
	}

	return e.appendData(table)
}

// Push back-patches the first header's total length with the final frame
// size and hands the bytes to qp's write side, per frame_complete()/
// frame_push().
func (e *Encoder) Push(qp *QueuePair) error {
	binary.LittleEndian.PutUint16(e.buf[e.firstLenOff:], uint16(len(e.buf)))

	n, err := qp.Write(e.buf)
	if err != nil {
		return err
	}

	if n == 0 {
		return ErrNoSpace
	}

	return nil
}

// OpenChannel emits the ACBH+CMDH handshake used to open an RPC channel
// before data frames flow on it, grounded in rpc/mux.c's main() priming
// sequence (`frame_add_tag('ACBH', ...)` then `frame_add_tag('CMDH', ...)`
// with a one-word "open" command and the channel id).
func (e *Encoder) OpenChannel(qp *QueuePair, id uint32) error {
	e.reset()

	if err := e.AddTag(tagACBH, 0, nil); err != nil {
		return err
	}

	args := make([]byte, 16)
	binary.LittleEndian.PutUint32(args[0:4], 1)
	binary.LittleEndian.PutUint32(args[4:8], id)

	if err := e.AddTag(tagCMDH, uint16(id), args); err != nil {
		return err
	}

	return e.Push(qp)
}

// DecodeInbound parses one ingress mux frame and delivers each embedded
// packet's payload to deliver, reporting whether it looked like IPv6, per
// spec §4.G's decoder contract / rpc/mux.c's handle_mux_frame(). ACBH
// frames (control replies) are silently ignored. Anything else -- an
// unrecognized first tag, an ADBH whose next_offset doesn't lead to an
// ADTH, or a malformed bounds table -- is reported as BadTag; the caller is
// expected to log and continue, per spec §7.
func DecodeInbound(frame []byte, deliver func(payload []byte, ipv6 bool)) error {
	if len(frame) < firstHeaderSize {
		return ErrBadTag
	}

	switch binary.BigEndian.Uint32(frame[0:4]) {
	case tagACBH:
		return nil
	case tagADBH:
	default:
		return ErrBadTag
	}

	next := binary.LittleEndian.Uint32(frame[12:16])

	if int(next)+nextHeaderSize > len(frame) {
		return ErrBadTag
	}

	if binary.BigEndian.Uint32(frame[next:next+4]) != tagADTH {
		return ErrBadTag
	}

	length := binary.LittleEndian.Uint16(frame[next+4 : next+6])

	if int(length) < nextHeaderSize+4 {
		return ErrBadTag
	}

	nPackets := (int(length) - nextHeaderSize - 4) / boundsEntrySize
	tableOff := int(next) + nextHeaderSize + 4

	for i := 0; i < nPackets; i++ {
		off := tableOff + i*boundsEntrySize
		if off+boundsEntrySize > len(frame) {
			return ErrBadTag
		}

		pOff := binary.LittleEndian.Uint32(frame[off : off+4])
		pLen := binary.LittleEndian.Uint32(frame[off+4 : off+8])

		if pLen == 0 {
			continue
		}

		if uint64(pOff)+uint64(pLen) > uint64(len(frame)) {
			return ErrBadTag
		}

		if pLen <= packetPadding {
			return ErrBadTag
		}

		// bounds records (pad start, pad+payload length); the pad itself
		// carries no data and is never inspected, so skip it here.
		payload := frame[pOff+packetPadding : pOff+pLen]

		switch payload[0] >> 4 {
		case 4:
			deliver(payload, false)
		case 6:
			deliver(payload, true)
		}
	}

	return nil
}

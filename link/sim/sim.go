// Package sim implements an in-memory link.Device for tests: two
// Devices wired together with Connect exchange frames through a small
// FIFO queue instead of real hardware, the same role a host-side
// loopback or point-to-point pseudo-device would play against the
// firmware original's ENC28J60 controller.
package sim

import (
	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/errs"
	"github.com/avrnet/stack/host"
)

// Device is a Device implementation with no backing hardware: Send
// enqueues a frame on its connected peer, and Poll dequeues the next
// frame enqueued for it. A Device with no peer silently drops anything
// it sends, the same as an unplugged cable.
type Device struct {
	mac  host.MAC
	mtu  int
	peer *Device
	send *buffer.Mem
	recv *buffer.Mem

	queue [][]byte
}

// NewDevice returns an unconnected Device; use Connect to wire two of
// them together.
func NewDevice(mac host.MAC, mtu int) *Device {
	return &Device{
		mac:  mac,
		mtu:  mtu,
		send: buffer.NewMem(mtu),
		recv: buffer.NewMem(mtu),
	}
}

// Connect wires a and b together: a frame sent on one is delivered to
// the other's Poll.
func Connect(a, b *Device) {
	a.peer = b
	b.peer = a
}

func (d *Device) MAC() host.MAC { return d.mac }

func (d *Device) MTU() int { return d.mtu }

func (d *Device) SendBuffer() buffer.Buffer { return d.send }

func (d *Device) RecvBuffer() buffer.Buffer { return d.recv }

// Send copies length bytes out of SendBuffer and appends them to the
// peer's receive queue. Test code drives the cooperative loop itself, so
// there is no size limit on the queue beyond what a test chooses to
// enqueue before the next Poll drains it.
func (d *Device) Send(length int) error {
	if length > d.mtu {
		return errs.ErrBuffer
	}
	if d.peer == nil {
		return nil
	}
	frame := make([]byte, length)
	copy(frame, d.send.Bytes()[:length])
	d.peer.queue = append(d.peer.queue, frame)
	return nil
}

// Poll dequeues the oldest pending frame, if any, into RecvBuffer.
func (d *Device) Poll() (int, error) {
	if len(d.queue) == 0 {
		return 0, nil
	}
	frame := d.queue[0]
	d.queue = d.queue[1:]
	if err := d.recv.WriteAt(0, frame); err != nil {
		return 0, err
	}
	return len(frame), nil
}

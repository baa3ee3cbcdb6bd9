// Package link implements the frame demultiplexer that sits directly on
// top of a link Device: protocol dispatch by EtherType, a cooperative
// timer registry, and the shared send-frame scratch buffer every upper
// layer writes its payload into before calling Send.
package link

import (
	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/errs"
	"github.com/avrnet/stack/host"
	"github.com/sirupsen/logrus"
)

// headerLength is two MAC addresses plus a 16-bit EtherType.
const headerLength = 6 + 6 + 2

// EtherType identifies the payload protocol of an Ethernet frame.
type EtherType uint16

const (
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv4 EtherType = 0x0800
)

// Device is the link driver contract: a frame-sized, full-duplex,
// non-blocking transport. Poll is called once per cooperative loop
// iteration and returns the length of a received frame written into Recv,
// or 0 if none is pending.
type Device interface {
	// MAC returns the device's own hardware address.
	MAC() host.MAC
	// Send transmits length bytes from the device's send buffer,
	// previously populated via SendBuffer.
	Send(length int) error
	// SendBuffer returns the Buffer frames are written into before
	// Send.
	SendBuffer() buffer.Buffer
	// Poll checks for a received frame without blocking. It returns
	// the frame length, or 0 if none arrived.
	Poll() (int, error)
	// RecvBuffer returns the Buffer the most recently polled frame
	// was written into.
	RecvBuffer() buffer.Buffer
	// MTU returns the largest frame, header included, the device can
	// receive. Upper layers use this to size their own worst-case
	// payload budgets without needing a live frame in hand.
	MTU() int
}

// PayloadHandler receives a protocol's payload once the demultiplexer has
// stripped the Ethernet header.
type PayloadHandler interface {
	HandlePayload(payload buffer.Buffer)
}

// TimerHandler is invoked when a registered timer's interval elapses.
// slot is the 1-based handle returned by RegisterTimer, passed back so a
// handler that registers several timers can tell them apart. The stack's
// own handlers (ARP, DNS, TCP) each register a single timer.
type TimerHandler interface {
	HandleTimer(slot uint8)
}

type protocolEntry struct {
	etherType EtherType
	handler   PayloadHandler
}

type timerEntry struct {
	handler   TimerHandler
	delay     uint32 // milliseconds
	startedAt uint32 // milliseconds, per host.Clock
}

// Demux owns protocol registration, the timer registry, and frame
// dispatch for one link Device. It is the direct analogue of the
// firmware's EtherControl.
type Demux struct {
	device     Device
	clock      host.Clock
	log        *logrus.Logger
	protocols  []protocolEntry
	timers     []timerEntry
	sendOffset *buffer.OffsetBuffer
	activeTmrs int
}

// New returns a Demux over device, with room for protocolCapacity
// registered protocols and timerCapacity concurrent timers.
func New(device Device, clock host.Clock, log *logrus.Logger, protocolCapacity, timerCapacity int) (*Demux, error) {
	off, err := buffer.NewOffset(device.SendBuffer(), headerLength, 0)
	if err != nil {
		return nil, err
	}
	return &Demux{
		device:     device,
		clock:      clock,
		log:        log,
		protocols:  make([]protocolEntry, 0, protocolCapacity),
		timers:     make([]timerEntry, timerCapacity),
		sendOffset: off,
	}, nil
}

// MAC returns the underlying device's hardware address.
func (d *Demux) MAC() host.MAC { return d.device.MAC() }

// SendPayloadBuffer returns the buffer a protocol handler should write its
// payload into before calling SendFrame.
func (d *Demux) SendPayloadBuffer() buffer.Buffer { return d.sendOffset }

// RegisterProtocol associates an EtherType with a handler, replacing any
// existing registration for the same EtherType. It reports capacity
// exhaustion if the registry is full and etherType is new.
func (d *Demux) RegisterProtocol(etherType EtherType, handler PayloadHandler) error {
	for i := range d.protocols {
		if d.protocols[i].etherType == etherType {
			d.protocols[i].handler = handler
			return nil
		}
	}
	if len(d.protocols) >= cap(d.protocols) {
		return errs.ErrCapacity
	}
	d.protocols = append(d.protocols, protocolEntry{etherType: etherType, handler: handler})
	return nil
}

func (d *Demux) protocolHandler(etherType EtherType) PayloadHandler {
	for i := range d.protocols {
		if d.protocols[i].etherType == etherType {
			return d.protocols[i].handler
		}
	}
	return nil
}

// RegisterTimer reserves a free timer slot for handler, firing every
// delayMillis milliseconds, and returns its 1-based slot handle. It
// returns ErrCapacity if no slot is free.
func (d *Demux) RegisterTimer(handler TimerHandler, delayMillis uint32) (uint8, error) {
	for i := range d.timers {
		if d.timers[i].handler == nil {
			d.timers[i] = timerEntry{handler: handler, delay: delayMillis, startedAt: d.millis()}
			d.activeTmrs++
			return uint8(i + 1), nil
		}
	}
	return 0, errs.ErrCapacity
}

// UnregisterTimer releases the timer slot identified by slot (as returned
// by RegisterTimer). It is a no-op if the slot is already free.
func (d *Demux) UnregisterTimer(slot uint8) {
	i := int(slot) - 1
	if i < 0 || i >= len(d.timers) {
		return
	}
	if d.timers[i].handler != nil {
		d.timers[i] = timerEntry{}
		d.activeTmrs--
	}
}

func (d *Demux) millis() uint32 {
	return uint32(d.clock.Now().Milliseconds())
}

// Millis returns the current time in milliseconds as seen by the Demux's
// clock, for layers above (ARP, DNS, TCP) that need to stamp their own
// per-entry timestamps between timer callbacks.
func (d *Demux) Millis() uint32 {
	return d.millis()
}

// MaxPayloadSize returns the largest Ethernet payload the underlying
// device can receive, for layers above that need to size a worst-case
// segment/datagram without a live frame in hand.
func (d *Demux) MaxPayloadSize() int {
	return d.device.MTU() - headerLength
}

func (d *Demux) processTimers() {
	processed := 0
	for i := range d.timers {
		if processed >= d.activeTmrs {
			return
		}
		t := &d.timers[i]
		if t.handler == nil {
			continue
		}
		if d.millis()-t.startedAt >= t.delay {
			t.startedAt = d.millis()
			processed++
			t.handler.HandleTimer(uint8(i + 1))
		}
	}
}

// SendFrame transmits payloadLength bytes already written to
// SendPayloadBuffer, addressed to dest with the given EtherType.
func (d *Demux) SendFrame(dest host.MAC, etherType EtherType, payloadLength int) error {
	send := d.device.SendBuffer()
	if payloadLength > send.Size()-headerLength {
		return errs.ErrBuffer
	}
	if err := send.WriteAt(0, dest[:]); err != nil {
		return err
	}
	mac := d.device.MAC()
	if err := send.WriteAt(6, mac[:]); err != nil {
		return err
	}
	if err := buffer.WriteNet16(send, 12, uint16(etherType)); err != nil {
		return err
	}
	if d.log != nil {
		d.log.WithFields(logrus.Fields{"dest": dest, "etherType": etherType, "len": payloadLength}).Debug("link: sending frame")
	}
	return d.device.Send(headerLength + payloadLength)
}

// Poll checks the device for one received frame, dispatches it to the
// registered protocol handler if any, and runs any due timers. Call this
// once per iteration of the cooperative main loop.
func (d *Demux) Poll() error {
	n, err := d.device.Poll()
	if err != nil {
		return err
	}
	if n > 0 {
		recv := d.device.RecvBuffer()
		etherType, err := buffer.ReadNet16(recv, 12)
		if err == nil {
			if handler := d.protocolHandler(EtherType(etherType)); handler != nil {
				payload, err := buffer.NewOffset(recv, headerLength, n-headerLength)
				if err == nil {
					handler.HandlePayload(payload)
				}
			}
		}
	}
	d.processTimers()
	return nil
}

// Package udp implements RFC 768 User Datagram Protocol send/receive,
// with a fixed-capacity listener table and checksum verification on
// receive (the checksum is optional per RFC 768's own rules — a
// zero-valued checksum field on an incoming datagram is accepted
// without verification, matching wire behavior real UDP senders rely
// on).
package udp

import (
	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/errs"
	"github.com/avrnet/stack/host"
	"github.com/avrnet/stack/ipv4"
)

const (
	Protocol     = 0x11
	headerLength = 8
)

// DatagramReceiver handles a UDP datagram payload delivered to a
// registered listener port.
type DatagramReceiver interface {
	HandleDatagram(sourceIP host.IPv4, sourcePort host.Port, packet buffer.Buffer)
}

type listener struct {
	port     host.Port
	receiver DatagramReceiver
	inUse    bool
}

// Layer is the UDP protocol handler: a listener registry plus the IP
// layer plumbing needed to send and receive datagrams.
type Layer struct {
	ip        *ipv4.Layer
	listeners []listener
	sendBuf   *buffer.OffsetBuffer
}

// New registers the UDP protocol number with ip and returns a Layer with
// room for listenerCapacity registered ports.
func New(ip *ipv4.Layer, listenerCapacity int) (*Layer, error) {
	off, err := buffer.NewOffset(ip.SendPayloadBuffer(), headerLength, 0)
	if err != nil {
		return nil, err
	}
	l := &Layer{
		ip:        ip,
		listeners: make([]listener, listenerCapacity),
		sendBuf:   off,
	}
	if err := ip.RegisterProtocol(Protocol, l); err != nil {
		return nil, err
	}
	return l, nil
}

// SendPayloadBuffer returns the buffer a caller should write its datagram
// payload into before calling Send.
func (l *Layer) SendPayloadBuffer() buffer.Buffer { return l.sendBuf }

// RegisterListener associates a local port with a receiver, replacing any
// existing registration for that port.
func (l *Layer) RegisterListener(port host.Port, receiver DatagramReceiver) error {
	for i := range l.listeners {
		if l.listeners[i].inUse && l.listeners[i].port == port {
			l.listeners[i].receiver = receiver
			return nil
		}
	}
	for i := range l.listeners {
		if !l.listeners[i].inUse {
			l.listeners[i] = listener{port: port, receiver: receiver, inUse: true}
			return nil
		}
	}
	return errs.ErrCapacity
}

// UnregisterListener removes any listener bound to port.
func (l *Layer) UnregisterListener(port host.Port) {
	for i := range l.listeners {
		if l.listeners[i].inUse && l.listeners[i].port == port {
			l.listeners[i] = listener{}
		}
	}
}

func (l *Layer) listenerFor(port host.Port) DatagramReceiver {
	for i := range l.listeners {
		if l.listeners[i].inUse && l.listeners[i].port == port {
			return l.listeners[i].receiver
		}
	}
	return nil
}

func (l *Layer) checksum(datagram buffer.Buffer, length int, remoteIP host.IPv4) uint16 {
	pseudo := buffer.PseudoHeaderSum(l.ip.LocalIP().Uint32(), remoteIP.Uint32(), Protocol, uint16(length))
	return buffer.Checksum(datagram, length, 6, pseudo)
}

// Send transmits a UDP datagram carrying payloadLength bytes already
// written to SendPayloadBuffer, from sourcePort to destIP:destPort.
func (l *Layer) Send(destIP host.IPv4, destPort, sourcePort host.Port, payloadLength int) error {
	length := headerLength + payloadLength
	datagram := l.ip.SendPayloadBuffer()
	if datagram.Size() < length {
		return errs.ErrBuffer
	}

	if err := buffer.WriteNet16(datagram, 0, uint16(sourcePort)); err != nil {
		return err
	}
	if err := buffer.WriteNet16(datagram, 2, uint16(destPort)); err != nil {
		return err
	}
	if err := buffer.WriteNet16(datagram, 4, uint16(length)); err != nil {
		return err
	}
	sum := l.checksum(datagram, length, destIP)
	if err := buffer.WriteNet16(datagram, 6, sum); err != nil {
		return err
	}

	return l.ip.Send(destIP, Protocol, length)
}

// HandlePacket implements ipv4.PacketHandler.
func (l *Layer) HandlePacket(sourceIP host.IPv4, datagram buffer.Buffer) {
	if datagram.Size() < headerLength {
		return
	}

	udpLength, err := buffer.ReadNet16(datagram, 4)
	if err != nil || int(udpLength) > datagram.Size() {
		return
	}

	checksum, err := buffer.ReadNet16(datagram, 6)
	if err != nil {
		return
	}
	if checksum != 0 && checksum != l.checksum(datagram, datagram.Size(), sourceIP) {
		return
	}

	sourcePort, err := buffer.ReadNet16(datagram, 0)
	if err != nil {
		return
	}
	destPort, err := buffer.ReadNet16(datagram, 2)
	if err != nil {
		return
	}

	receiver := l.listenerFor(host.Port(destPort))
	if receiver == nil {
		return
	}

	payload, err := buffer.NewOffset(datagram, headerLength, int(udpLength)-headerLength)
	if err != nil {
		return
	}
	receiver.HandleDatagram(sourceIP, host.Port(sourcePort), payload)
}

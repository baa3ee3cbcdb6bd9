// Package ipv4 implements the subset of RFC 791 this stack needs:
// header validate/build, routing to either the destination's own MAC (if
// on-subnet) or the gateway's, and protocol dispatch to UDP/TCP. IP
// options, fragmentation, and ICMP are out of scope.
package ipv4

import (
	"math/rand"
	"time"

	"github.com/avrnet/stack/arp"
	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/errs"
	"github.com/avrnet/stack/host"
	"github.com/avrnet/stack/link"
	"github.com/sirupsen/logrus"
)

const (
	HeaderLength = 20
	protoMarker  = 0x0800

	ProtocolICMP = 1
	ProtocolTCP  = 6
	ProtocolUDP  = 17
)

// PacketHandler receives an IPv4 payload along with the packet's source
// address, once the IPv4 header has been validated and stripped.
type PacketHandler interface {
	HandlePacket(sourceIP host.IPv4, packet buffer.Buffer)
}

type protocolEntry struct {
	protocol uint8
	handler  PacketHandler
}

// Layer is the IPv4 protocol handler: address/subnet configuration,
// per-protocol dispatch, and packet send/receive.
type Layer struct {
	demux      *link.Demux
	resolver   *arp.Resolver
	log        *logrus.Logger
	localIP    host.IPv4
	gatewayIP  host.IPv4
	subnet     host.IPv4
	network    host.IPv4
	broadcast  host.IPv4
	protocols  []protocolEntry
	sendBuf    *buffer.OffsetBuffer
	nextPort   uint16
}

// New registers the IPv4 EtherType with demux and returns a Layer bound
// to the given address configuration and ARP resolver.
func New(demux *link.Demux, resolver *arp.Resolver, log *logrus.Logger, localIP, gatewayIP, subnet host.IPv4, protocolCapacity int) (*Layer, error) {
	var network, broadcast host.IPv4
	for i := 0; i < 4; i++ {
		network[i] = localIP[i] & subnet[i]
		broadcast[i] = network[i] | ^subnet[i]
	}

	off, err := buffer.NewOffset(demux.SendPayloadBuffer(), HeaderLength, 0)
	if err != nil {
		return nil, err
	}

	l := &Layer{
		demux:     demux,
		resolver:  resolver,
		log:       log,
		localIP:   localIP,
		gatewayIP: gatewayIP,
		subnet:    subnet,
		network:   network,
		broadcast: broadcast,
		protocols: make([]protocolEntry, 0, protocolCapacity),
		sendBuf:   off,
		nextPort:  49152 + uint16(rand.New(rand.NewSource(time.Now().UnixNano())).Intn(16384)),
	}
	if err := demux.RegisterProtocol(link.EtherTypeIPv4, l); err != nil {
		return nil, err
	}
	return l, nil
}

// NextPort returns an ephemeral source port, cycling through the dynamic
// port range.
func (l *Layer) NextPort() host.Port {
	p := l.nextPort
	l.nextPort++
	if l.nextPort == 0 {
		l.nextPort = 49152
	}
	return host.Port(p)
}

// LocalIP returns the layer's configured local address.
func (l *Layer) LocalIP() host.IPv4 { return l.localIP }

// MaxReceivePayload returns the largest IPv4 payload (post-header) a
// packet on this link can carry, for protocol layers above that need to
// size a worst-case segment without a live packet in hand.
func (l *Layer) MaxReceivePayload() int {
	return l.demux.MaxPayloadSize() - HeaderLength
}

// RegisterTimer and UnregisterTimer pass through to the underlying link
// Demux's timer registry, so a protocol layer above IPv4 (TCP, which
// already holds an *ipv4.Layer to send through) doesn't need its own
// separate dependency on link.Demux just to reach two methods.
func (l *Layer) RegisterTimer(handler link.TimerHandler, delayMillis uint32) (uint8, error) {
	return l.demux.RegisterTimer(handler, delayMillis)
}

func (l *Layer) UnregisterTimer(slot uint8) {
	l.demux.UnregisterTimer(slot)
}

// Millis returns the current time in milliseconds, per the link Demux's
// clock.
func (l *Layer) Millis() uint32 {
	return l.demux.Millis()
}

// SendPayloadBuffer returns the buffer a protocol handler should write its
// packet payload into before calling Send.
func (l *Layer) SendPayloadBuffer() buffer.Buffer { return l.sendBuf }

// RegisterProtocol associates an IP protocol number with a handler.
func (l *Layer) RegisterProtocol(protocol uint8, handler PacketHandler) error {
	for i := range l.protocols {
		if l.protocols[i].protocol == protocol {
			l.protocols[i].handler = handler
			return nil
		}
	}
	if len(l.protocols) >= cap(l.protocols) {
		return errs.ErrCapacity
	}
	l.protocols = append(l.protocols, protocolEntry{protocol: protocol, handler: handler})
	return nil
}

func (l *Layer) protocolHandler(protocol uint8) PacketHandler {
	for i := range l.protocols {
		if l.protocols[i].protocol == protocol {
			return l.protocols[i].handler
		}
	}
	return nil
}

// route returns the MAC address a packet to dst should be sent to: the
// destination itself if on-subnet (or the subnet broadcast), otherwise
// the configured gateway. The on-subnet test is fully parenthesized —
// `(mask & dst) != network` — unlike the reference implementation's
// `mask & dst != network`, which due to C's operator precedence tests
// `mask & (dst != network)` and silently misroutes.
func (l *Layer) route(dst host.IPv4) (host.MAC, bool) {
	onLocalNetwork := true
	for i := 0; i < 4; i++ {
		if (l.subnet[i] & dst[i]) != l.network[i] {
			onLocalNetwork = false
			break
		}
	}

	if onLocalNetwork && dst == l.broadcast {
		return host.Broadcast, true
	}
	if onLocalNetwork {
		return l.resolver.Resolve(dst)
	}
	return l.resolver.Resolve(l.gatewayIP)
}

// Send builds and transmits an IPv4 packet carrying payloadLength bytes
// already written to SendPayloadBuffer, to dst via protocol.
func (l *Layer) Send(dst host.IPv4, protocol uint8, payloadLength int) error {
	send := l.demux.SendPayloadBuffer()
	if send.Size() < HeaderLength+payloadLength {
		return errs.ErrBuffer
	}

	mac, ok := l.route(dst)
	if !ok {
		return errs.ErrRoute
	}

	if err := buffer.Write8(send, 0, 0x45); err != nil {
		return err
	}
	if err := buffer.Write8(send, 1, 0x00); err != nil {
		return err
	}
	if err := buffer.WriteNet16(send, 2, uint16(payloadLength+HeaderLength)); err != nil {
		return err
	}
	if err := buffer.WriteNet16(send, 4, 0); err != nil {
		return err
	}
	if err := buffer.WriteNet16(send, 6, 0x4000); err != nil {
		return err
	}
	if err := buffer.Write8(send, 8, 64); err != nil {
		return err
	}
	if err := buffer.Write8(send, 9, protocol); err != nil {
		return err
	}
	if err := send.WriteAt(12, l.localIP[:]); err != nil {
		return err
	}
	if err := send.WriteAt(16, dst[:]); err != nil {
		return err
	}

	sum := buffer.Checksum(send, HeaderLength, 10, 0)
	if err := buffer.WriteNet16(send, 10, sum); err != nil {
		return err
	}

	if l.log != nil {
		l.log.WithFields(logrus.Fields{"dst": dst, "protocol": protocol, "len": payloadLength}).Debug("ipv4: sending packet")
	}

	return l.demux.SendFrame(mac, link.EtherTypeIPv4, payloadLength+HeaderLength)
}

// HandlePayload implements link.PayloadHandler.
func (l *Layer) HandlePayload(p buffer.Buffer) {
	if p.Size() < HeaderLength {
		return
	}

	checksum, err := buffer.ReadNet16(p, 10)
	if err != nil {
		return
	}
	if checksum != buffer.Checksum(p, HeaderLength, 10, 0) {
		return
	}

	totalLen, err := buffer.ReadNet16(p, 2)
	if err != nil || p.Size() < int(totalLen) {
		return
	}

	var dst host.IPv4
	if err := p.ReadAt(16, dst[:]); err != nil {
		return
	}
	if dst != l.localIP && dst != l.broadcast {
		return
	}

	protocol, err := buffer.Read8(p, 9)
	if err != nil {
		return
	}
	handler := l.protocolHandler(protocol)
	if handler == nil {
		return
	}

	packet, err := buffer.NewOffset(p, HeaderLength, int(totalLen)-HeaderLength)
	if err != nil {
		return
	}

	var src host.IPv4
	if err := p.ReadAt(12, src[:]); err != nil {
		return
	}

	handler.HandlePacket(src, packet)
}

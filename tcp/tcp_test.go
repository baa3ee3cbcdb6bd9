package tcp_test

import (
	"io"
	"testing"
	"time"

	"github.com/avrnet/stack/arp"
	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/host"
	"github.com/avrnet/stack/ipv4"
	"github.com/avrnet/stack/link"
	"github.com/avrnet/stack/link/sim"
	"github.com/avrnet/stack/tcp"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
)

type fakeClock struct{ now time.Duration }

func (c *fakeClock) Now() time.Duration { return c.now }

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type endpoint struct {
	demux *link.Demux
	arp   *arp.Resolver
	ip    *ipv4.Layer
	tcp   *tcp.Layer
}

func newEndpoint(t *testing.T, dev *sim.Device, self host.IPv4, clock host.Clock) endpoint {
	t.Helper()
	demux, err := link.New(dev, clock, discardLogger(), 4, 4)
	assert.NilError(t, err)
	arpResolver, err := arp.New(demux, discardLogger(), self, 4)
	assert.NilError(t, err)
	ipLayer, err := ipv4.New(demux, arpResolver, discardLogger(), self, self, host.IPv4{255, 255, 255, 0}, 4)
	assert.NilError(t, err)
	tcpLayer, err := tcp.New(ipLayer, discardLogger(), 4, 4096)
	assert.NilError(t, err)
	return endpoint{demux: demux, arp: arpResolver, ip: ipLayer, tcp: tcpLayer}
}

func pump(t *testing.T, rounds int, demuxes ...*link.Demux) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		for _, d := range demuxes {
			assert.NilError(t, d.Poll())
		}
	}
}

type recordingHandler struct {
	tcp.BaseHandler
	established   bool
	received      []byte
	remoteClose   bool
	closed        bool
	reset         bool
	socket        *tcp.Socket
	echo          bool
	closeOnRemote bool
}

func (h *recordingHandler) OnEstablished() { h.established = true }

func (h *recordingHandler) OnDataReceived(payload buffer.Buffer, length int) bool {
	data := make([]byte, length)
	if err := payload.ReadAt(0, data); err != nil {
		return false
	}
	h.received = append(h.received, data...)
	if h.echo {
		if err := h.socket.Send(payload, length); err != nil {
			return false
		}
	}
	return true
}

func (h *recordingHandler) OnRemoteClosed() {
	h.remoteClose = true
	if h.closeOnRemote {
		_ = h.socket.Close()
	}
}
func (h *recordingHandler) OnClosed()    { h.closed = true }
func (h *recordingHandler) OnReset(bool) { h.reset = true }

func newPair(t *testing.T) (client, server endpoint, clock *fakeClock) {
	t.Helper()
	devA := sim.NewDevice(host.MAC{0xA}, 1518)
	devB := sim.NewDevice(host.MAC{0xB}, 1518)
	sim.Connect(devA, devB)
	clock = &fakeClock{}
	client = newEndpoint(t, devA, host.IPv4{192, 168, 9, 1}, clock)
	server = newEndpoint(t, devB, host.IPv4{192, 168, 9, 2}, clock)

	// Resolve ARP in both directions up front: a segment sent before its
	// route resolves is only resent by the 1s retry timer, and these
	// tests never advance the clock.
	client.arp.Resolve(host.IPv4{192, 168, 9, 2})
	server.arp.Resolve(host.IPv4{192, 168, 9, 1})
	pump(t, 2, client.demux, server.demux)
	return
}

func TestHandshakeEstablishesConnection(t *testing.T) {
	client, server, _ := newPair(t)

	serverHandler := &recordingHandler{}
	listener, err := tcp.NewListener(server.tcp, 7, serverHandler)
	assert.NilError(t, err)
	serverHandler.socket = listener

	clientHandler := &recordingHandler{}
	socket, err := tcp.Dial(client.tcp, host.IPv4{192, 168, 9, 2}, 7, clientHandler)
	assert.NilError(t, err)

	pump(t, 4, client.demux, server.demux)

	assert.Equal(t, tcp.StateEstablished, socket.State())
	assert.Equal(t, tcp.StateEstablished, listener.State())
	assert.Assert(t, clientHandler.established)
	assert.Assert(t, serverHandler.established)
}

func TestDataEchoAndGracefulClose(t *testing.T) {
	client, server, _ := newPair(t)

	serverHandler := &recordingHandler{echo: true, closeOnRemote: true}
	listener, err := tcp.NewListener(server.tcp, 7, serverHandler)
	assert.NilError(t, err)
	serverHandler.socket = listener

	clientHandler := &recordingHandler{}
	socket, err := tcp.Dial(client.tcp, host.IPv4{192, 168, 9, 2}, 7, clientHandler)
	assert.NilError(t, err)
	clientHandler.socket = socket

	pump(t, 4, client.demux, server.demux)
	assert.Equal(t, tcp.StateEstablished, socket.State())

	send := buffer.NewMem(5)
	assert.NilError(t, send.WriteAt(0, []byte("hello")))
	assert.NilError(t, socket.Send(send, 5))

	pump(t, 4, client.demux, server.demux)

	assert.Equal(t, "hello", string(serverHandler.received))
	assert.Equal(t, "hello", string(clientHandler.received))

	// Client initiates the close; the server's OnRemoteClosed hook
	// closes its own side in turn (closeOnRemote), driving both sockets
	// all the way through FIN_WAIT_1/2, CLOSE_WAIT, and LAST_ACK without
	// either side needing a retry.
	assert.NilError(t, socket.Close())
	pump(t, 4, client.demux, server.demux)

	assert.Equal(t, tcp.StateClosed, listener.State())
	assert.Assert(t, serverHandler.remoteClose)
	assert.Assert(t, serverHandler.closed)
	assert.Equal(t, tcp.StateTimeWait, socket.State())

	// TIME_WAIT only reverts to CLOSED once the shared retry timer has
	// ticked timeWaitTicks times; drive it directly rather than
	// advancing the fake clock and polling through 240 timer intervals.
	for i := 0; i < 240; i++ {
		client.tcp.HandleTimer(0)
	}
	assert.Equal(t, tcp.StateClosed, socket.State())
	assert.Assert(t, clientHandler.closed)
}

func TestResetAbortsConnection(t *testing.T) {
	client, server, _ := newPair(t)

	serverHandler := &recordingHandler{}
	listener, err := tcp.NewListener(server.tcp, 7, serverHandler)
	assert.NilError(t, err)
	serverHandler.socket = listener

	clientHandler := &recordingHandler{}
	socket, err := tcp.Dial(client.tcp, host.IPv4{192, 168, 9, 2}, 7, clientHandler)
	assert.NilError(t, err)

	pump(t, 4, client.demux, server.demux)
	assert.Equal(t, tcp.StateEstablished, socket.State())

	assert.NilError(t, socket.Reset())
	pump(t, 2, client.demux, server.demux)

	assert.Equal(t, tcp.StateClosed, socket.State())
	assert.Assert(t, serverHandler.reset)
}

func TestSecondListenerOnDifferentPortWhileFirstIsBusy(t *testing.T) {
	client, server, _ := newPair(t)

	serverHandler := &recordingHandler{}
	listener, err := tcp.NewListener(server.tcp, 7, serverHandler)
	assert.NilError(t, err)
	serverHandler.socket = listener

	clientHandler := &recordingHandler{}
	_, err = tcp.Dial(client.tcp, host.IPv4{192, 168, 9, 2}, 7, clientHandler)
	assert.NilError(t, err)
	pump(t, 4, client.demux, server.demux)
	assert.Equal(t, tcp.StateEstablished, listener.State())

	// A listener occupying its one accepted connection doesn't block a
	// second listener from registering on a different port — each port
	// is an independent socket slot.
	second, err := tcp.NewListener(server.tcp, 8, &recordingHandler{})
	assert.NilError(t, err)
	assert.Equal(t, tcp.StateListen, second.State())

	// A second NewListener on the SAME port, while the first is already
	// past LISTEN, is refused outright.
	_, err = tcp.NewListener(server.tcp, 7, &recordingHandler{})
	assert.ErrorContains(t, err, "in use")
}

// rawSegmentHandler implements ipv4.PacketHandler, capturing the flags
// byte and ack field of the most recent TCP segment it sees so a test
// can inspect a raw
// reply without going through a tcp.Layer of its own.
type rawSegmentHandler struct {
	flags tcp.Flags
	ack   uint32
	seen  bool
}

func (h *rawSegmentHandler) HandlePacket(src host.IPv4, packet buffer.Buffer) {
	flagsByte, _ := buffer.Read8(packet, 13)
	ack, _ := buffer.ReadNet32(packet, 8)
	h.flags = tcp.Flags(flagsByte)
	h.ack = ack
	h.seen = true
}

// TestListenResetsOnBareNonSynSegment drives a raw, hand-built TCP
// segment with no SYN/RST/ACK at a listening socket and checks the
// listener resets the connection instead of silently dropping it.
func TestListenResetsOnBareNonSynSegment(t *testing.T) {
	devAttacker := sim.NewDevice(host.MAC{0xC}, 1518)
	devServer := sim.NewDevice(host.MAC{0xD}, 1518)
	sim.Connect(devAttacker, devServer)

	clock := &fakeClock{}
	attackerIP := host.IPv4{192, 168, 9, 10}
	serverIP := host.IPv4{192, 168, 9, 11}

	attackerDemux, err := link.New(devAttacker, clock, discardLogger(), 4, 4)
	assert.NilError(t, err)
	attackerARP, err := arp.New(attackerDemux, discardLogger(), attackerIP, 4)
	assert.NilError(t, err)
	attackerIP2, err := ipv4.New(attackerDemux, attackerARP, discardLogger(), attackerIP, attackerIP, host.IPv4{255, 255, 255, 0}, 4)
	assert.NilError(t, err)
	raw := &rawSegmentHandler{}
	assert.NilError(t, attackerIP2.RegisterProtocol(tcp.Protocol, raw))

	server := newEndpoint(t, devServer, serverIP, clock)
	listener, err := tcp.NewListener(server.tcp, 9, &recordingHandler{})
	assert.NilError(t, err)

	buildSegment := func(seq uint32, flags tcp.Flags) {
		send := attackerIP2.SendPayloadBuffer()
		assert.NilError(t, buffer.WriteNet16(send, 0, 5555))
		assert.NilError(t, buffer.WriteNet16(send, 2, 9))
		assert.NilError(t, buffer.WriteNet32(send, 4, seq))
		assert.NilError(t, buffer.WriteNet32(send, 8, 0))
		assert.NilError(t, buffer.Write8(send, 12, 5<<4))
		assert.NilError(t, buffer.Write8(send, 13, uint8(flags)))
		assert.NilError(t, buffer.WriteNet16(send, 14, 4096))
		assert.NilError(t, buffer.WriteNet16(send, 16, 0))
		assert.NilError(t, buffer.WriteNet16(send, 18, 0))
		pseudo := buffer.PseudoHeaderSum(attackerIP.Uint32(), serverIP.Uint32(), tcp.Protocol, 20)
		sum := buffer.Checksum(send, 20, 16, pseudo)
		assert.NilError(t, buffer.WriteNet16(send, 16, sum))
		_ = attackerIP2.Send(serverIP, tcp.Protocol, 20)
	}

	// First send only resolves ARP, in both directions: the listener
	// needs its own route back to the attacker for the reset.
	buildSegment(1000, tcp.FlagFIN)
	server.arp.Resolve(attackerIP)
	pump(t, 3, attackerDemux, server.demux)

	buildSegment(1000, tcp.FlagFIN)
	pump(t, 2, attackerDemux, server.demux)

	assert.Assert(t, raw.seen)
	assert.Equal(t, tcp.FlagRST|tcp.FlagACK, raw.flags)
	assert.Equal(t, uint32(1001), raw.ack)
	assert.Equal(t, tcp.StateListen, listener.State())
}

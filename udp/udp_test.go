package udp_test

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
	"github.com/avrnet/stack/udp"
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

type recordingReceiver struct {
	sourceIP   host.IPv4
	sourcePort host.Port
	payload    []byte
}

func (r *recordingReceiver) HandleDatagram(sourceIP host.IPv4, sourcePort host.Port, packet buffer.Buffer) {
	r.sourceIP = sourceIP
	r.sourcePort = sourcePort
	data := make([]byte, packet.Size())
	_ = packet.ReadAt(0, data)
	r.payload = data
}

type endpoint struct {
	demux *link.Demux
	ip    *ipv4.Layer
	udp   *udp.Layer
}

func newEndpoint(t *testing.T, dev *sim.Device, self, other host.IPv4, clock host.Clock) endpoint {
	t.Helper()
	demux, err := link.New(dev, clock, discardLogger(), 4, 4)
	assert.NilError(t, err)
	arpResolver, err := arp.New(demux, discardLogger(), self, 4)
	assert.NilError(t, err)
	ipLayer, err := ipv4.New(demux, arpResolver, discardLogger(), self, self, host.IPv4{255, 255, 255, 0}, 4)
	assert.NilError(t, err)
	udpLayer, err := udp.New(ipLayer, 4)
	assert.NilError(t, err)
	return endpoint{demux: demux, ip: ipLayer, udp: udpLayer}
}

func pump(t *testing.T, rounds int, demuxes ...*link.Demux) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		for _, d := range demuxes {
			assert.NilError(t, d.Poll())
		}
	}
}

func TestSendAndReceiveDatagram(t *testing.T) {
	devA := sim.NewDevice(host.MAC{0xA}, 1518)
	devB := sim.NewDevice(host.MAC{0xB}, 1518)
	sim.Connect(devA, devB)

	clock := &fakeClock{}
	ipA := host.IPv4{192, 168, 2, 1}
	ipB := host.IPv4{192, 168, 2, 2}
	a := newEndpoint(t, devA, ipA, ipB, clock)
	b := newEndpoint(t, devB, ipB, ipA, clock)

	recv := &recordingReceiver{}
	assert.NilError(t, b.udp.RegisterListener(53, recv))

	send := a.udp.SendPayloadBuffer()
	assert.NilError(t, send.WriteAt(0, []byte("query")))
	_ = a.udp.Send(ipB, 53, 12345, 5) // first attempt only resolves ARP

	pump(t, 3, a.demux, b.demux)

	assert.NilError(t, send.WriteAt(0, []byte("query")))
	assert.NilError(t, a.udp.Send(ipB, 53, 12345, 5))
	pump(t, 1, a.demux, b.demux)

	assert.Equal(t, ipA, recv.sourceIP)
	assert.Equal(t, host.Port(12345), recv.sourcePort)
	assert.Equal(t, "query", string(recv.payload))
}

func TestUnregisterListenerStopsDelivery(t *testing.T) {
	devA := sim.NewDevice(host.MAC{0xA}, 1518)
	devB := sim.NewDevice(host.MAC{0xB}, 1518)
	sim.Connect(devA, devB)

	clock := &fakeClock{}
	ipA := host.IPv4{192, 168, 3, 1}
	ipB := host.IPv4{192, 168, 3, 2}
	a := newEndpoint(t, devA, ipA, ipB, clock)
	b := newEndpoint(t, devB, ipB, ipA, clock)

	recv := &recordingReceiver{}
	assert.NilError(t, b.udp.RegisterListener(7, recv))
	b.udp.UnregisterListener(7)

	send := a.udp.SendPayloadBuffer()
	assert.NilError(t, send.WriteAt(0, []byte("x")))
	_ = a.udp.Send(ipB, 7, 1, 1)
	pump(t, 3, a.demux, b.demux)
	assert.NilError(t, send.WriteAt(0, []byte("x")))
	assert.NilError(t, a.udp.Send(ipB, 7, 1, 1))
	pump(t, 1, a.demux, b.demux)

	assert.Equal(t, host.IPv4{}, recv.sourceIP)
}

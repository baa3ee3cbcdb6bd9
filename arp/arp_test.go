package arp_test

import (
	"io"
	"testing"
	"time"

	"github.com/avrnet/stack/arp"
	"github.com/avrnet/stack/host"
	"github.com/avrnet/stack/link"
	"github.com/avrnet/stack/link/sim"
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

func pumpUntil(t *testing.T, rounds int, demuxes ...*link.Demux) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		for _, d := range demuxes {
			assert.NilError(t, d.Poll())
		}
	}
}

func TestResolveRoundTripsRequestAndReply(t *testing.T) {
	devA := sim.NewDevice(host.MAC{0, 0, 0, 0, 0, 1}, 1518)
	devB := sim.NewDevice(host.MAC{0, 0, 0, 0, 0, 2}, 1518)
	sim.Connect(devA, devB)

	clock := &fakeClock{}
	demuxA, err := link.New(devA, clock, discardLogger(), 2, 2)
	assert.NilError(t, err)
	demuxB, err := link.New(devB, clock, discardLogger(), 2, 2)
	assert.NilError(t, err)

	ipA := host.IPv4{192, 168, 1, 1}
	ipB := host.IPv4{192, 168, 1, 2}

	resolverA, err := arp.New(demuxA, discardLogger(), ipA, 4)
	assert.NilError(t, err)
	_, err = arp.New(demuxB, discardLogger(), ipB, 4)
	assert.NilError(t, err)

	_, ok := resolverA.Resolve(ipB)
	assert.Equal(t, false, ok)

	pumpUntil(t, 3, demuxA, demuxB)

	mac, ok := resolverA.Resolve(ipB)
	assert.Equal(t, true, ok)
	assert.Equal(t, devB.MAC(), mac)
}

func TestLearnPopulatesExistingRouteOnly(t *testing.T) {
	devA := sim.NewDevice(host.MAC{1}, 1518)
	clock := &fakeClock{}
	demuxA, err := link.New(devA, clock, discardLogger(), 2, 2)
	assert.NilError(t, err)
	resolver, err := arp.New(demuxA, discardLogger(), host.IPv4{10, 0, 0, 1}, 4)
	assert.NilError(t, err)

	peerIP := host.IPv4{10, 0, 0, 2}
	peerMAC := host.MAC{9, 9, 9, 9, 9, 9}

	// Learn with no matching route yet: a no-op, not a new entry.
	resolver.Learn(peerIP, peerMAC)
	_, ok := resolver.Resolve(peerIP)
	assert.Equal(t, false, ok)

	// The Resolve above put an in-flight route in the table; Learn now
	// fills that route in.
	resolver.Learn(peerIP, peerMAC)
	mac, ok := resolver.Resolve(peerIP)
	assert.Equal(t, true, ok)
	assert.Equal(t, peerMAC, mac)
}

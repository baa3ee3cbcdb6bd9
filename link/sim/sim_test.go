package sim_test

import (
	"testing"

	"github.com/avrnet/stack/host"
	"github.com/avrnet/stack/link/sim"
	"gotest.tools/v3/assert"
)

func TestUnconnectedDeviceDropsSend(t *testing.T) {
	dev := sim.NewDevice(host.MAC{1}, 128)
	assert.NilError(t, dev.SendBuffer().WriteAt(0, []byte("hi")))
	assert.NilError(t, dev.Send(2))

	n, err := dev.Poll()
	assert.NilError(t, err)
	assert.Equal(t, 0, n)
}

func TestSendOversizeFrameFails(t *testing.T) {
	dev := sim.NewDevice(host.MAC{1}, 4)
	assert.Assert(t, dev.Send(5) != nil)
}

func TestConnectDeliversFramesInOrder(t *testing.T) {
	a := sim.NewDevice(host.MAC{0xA}, 64)
	b := sim.NewDevice(host.MAC{0xB}, 64)
	sim.Connect(a, b)

	assert.NilError(t, a.SendBuffer().WriteAt(0, []byte("first")))
	assert.NilError(t, a.Send(5))
	assert.NilError(t, a.SendBuffer().WriteAt(0, []byte("second")))
	assert.NilError(t, a.Send(6))

	n, err := b.Poll()
	assert.NilError(t, err)
	assert.Equal(t, 5, n)
	first := make([]byte, n)
	assert.NilError(t, b.RecvBuffer().ReadAt(0, first))
	assert.Equal(t, "first", string(first))

	n, err = b.Poll()
	assert.NilError(t, err)
	assert.Equal(t, 6, n)
	second := make([]byte, n)
	assert.NilError(t, b.RecvBuffer().ReadAt(0, second))
	assert.Equal(t, "second", string(second))
}

package host_test

import (
	"testing"
	"time"

	"github.com/avrnet/stack/host"
	"gotest.tools/v3/assert"
)

func TestMACStringAndZero(t *testing.T) {
	assert.Assert(t, host.MAC{}.IsZero())
	assert.Assert(t, !host.Broadcast.IsZero())
	assert.Equal(t, "ff:ff:ff:ff:ff:ff", host.Broadcast.String())

	m := host.MAC{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	assert.Equal(t, "de:ad:be:ef:00:01", m.String())
}

func TestIPv4StringZeroAndUint32RoundTrip(t *testing.T) {
	assert.Assert(t, host.IPv4{}.IsZero())
	a := host.IPv4{192, 168, 1, 42}
	assert.Assert(t, !a.IsZero())
	assert.Equal(t, "192.168.1.42", a.String())

	v := a.Uint32()
	assert.Equal(t, a, host.IPv4FromUint32(v))
	assert.Equal(t, uint32(0xc0a8012a), v)
}

func TestSystemClockIsMonotonicallyNonDecreasing(t *testing.T) {
	clock := host.NewSystemClock()
	first := clock.Now()
	time.Sleep(time.Millisecond)
	second := clock.Now()
	assert.Assert(t, second >= first)
}

package buffer_test

import (
	"errors"
	"testing"

	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/errs"
	"gotest.tools/v3/assert"
)

func TestMemReadWriteRoundTrip(t *testing.T) {
	m := buffer.NewMem(8)
	assert.NilError(t, buffer.WriteNet16(m, 0, 0xBEEF))
	assert.NilError(t, buffer.WriteNet32(m, 2, 0xCAFEF00D))
	got16, err := buffer.ReadNet16(m, 0)
	assert.NilError(t, err)
	assert.Equal(t, uint16(0xBEEF), got16)
	got32, err := buffer.ReadNet32(m, 2)
	assert.NilError(t, err)
	assert.Equal(t, uint32(0xCAFEF00D), got32)
}

func TestMemOutOfBounds(t *testing.T) {
	m := buffer.NewMem(4)
	err := m.WriteAt(2, []byte{1, 2, 3})
	assert.Assert(t, errors.Is(err, errs.ErrBuffer))
}

func TestOffsetBufferView(t *testing.T) {
	m := buffer.NewMem(16)
	assert.NilError(t, buffer.Write8(m, 4, 0x42))

	off, err := buffer.NewOffset(m, 4, 8)
	assert.NilError(t, err)
	assert.Equal(t, 8, off.Size())

	v, err := buffer.Read8(off, 0)
	assert.NilError(t, err)
	assert.Equal(t, uint8(0x42), v)

	assert.Equal(t, m, off.RootBuffer())
	assert.Equal(t, 4, off.RootOffset())
}

func TestOffsetBufferBeyondInnerFails(t *testing.T) {
	m := buffer.NewMem(8)
	_, err := buffer.NewOffset(m, 6, 4)
	assert.Assert(t, errors.Is(err, errs.ErrBuffer))
}

func TestNestedOffsetRootFlattens(t *testing.T) {
	m := buffer.NewMem(32)
	outer, err := buffer.NewOffset(m, 4, 20)
	assert.NilError(t, err)
	inner, err := buffer.NewOffset(outer, 6, 10)
	assert.NilError(t, err)
	assert.Equal(t, m, inner.RootBuffer())
	assert.Equal(t, 10, inner.RootOffset())
}

func TestCopyOffsetToOffsetAcrossRoots(t *testing.T) {
	src := buffer.NewMem(16)
	for i := 0; i < 16; i++ {
		assert.NilError(t, buffer.Write8(src, i, uint8(i)))
	}
	dst := buffer.NewMem(16)

	srcView, err := buffer.NewOffset(src, 0, 16)
	assert.NilError(t, err)
	dstView, err := buffer.NewOffset(dst, 0, 16)
	assert.NilError(t, err)

	assert.NilError(t, buffer.Copy(dstView, srcView, 0, 0, 16))
	for i := 0; i < 16; i++ {
		v, err := buffer.Read8(dst, i)
		assert.NilError(t, err)
		assert.Equal(t, uint8(i), v)
	}
}

// fakeController is a plain, non-DMA buffer.Controller backed by a byte
// slice, standing in for a link device's SRAM with no DMA engine.
type fakeController struct {
	mem []byte
}

func newFakeController(size int) *fakeController {
	return &fakeController{mem: make([]byte, size)}
}

func (c *fakeController) ReadMem(addr uint16, data []byte) error {
	copy(data, c.mem[addr:])
	return nil
}

func (c *fakeController) WriteMem(addr uint16, data []byte) error {
	copy(c.mem[addr:], data)
	return nil
}

func (c *fakeController) MemSize() int { return len(c.mem) }

// fakeDMAController adds a CopyMem fast path on top of fakeController,
// counting invocations so tests can assert the fast path actually fired.
type fakeDMAController struct {
	*fakeController
	copies int
}

func (c *fakeDMAController) CopyMem(srcAddr, dstAddr uint16, length int) error {
	c.copies++
	copy(c.fakeController.mem[dstAddr:], c.fakeController.mem[srcAddr:srcAddr+uint16(length)])
	return nil
}

func TestLinkReadWriteAndPayloadPointer(t *testing.T) {
	ctrl := newFakeController(64)
	l := buffer.NewLink(ctrl, 0, 64, 16, false)

	assert.NilError(t, l.WriteAt(0, []byte("hello")))
	got := make([]byte, 5)
	assert.NilError(t, l.ReadAt(0, got))
	assert.Equal(t, "hello", string(got))

	l.SetPayloadPointer(8)
	assert.NilError(t, l.WriteAt(0, []byte("world")))
	direct := make([]byte, 5)
	assert.NilError(t, ctrl.ReadMem(8, direct))
	assert.Equal(t, "world", string(direct))
}

func TestCopyLinkToLinkUsesControllerDMA(t *testing.T) {
	dma := &fakeDMAController{fakeController: newFakeController(64)}
	src := buffer.NewLink(dma, 0, 32, 16, false)
	dst := buffer.NewLink(dma, 32, 64, 16, false)

	assert.NilError(t, src.WriteAt(0, []byte("dma-payload")))
	assert.NilError(t, buffer.Copy(dst, src, 0, 0, 11))
	assert.Equal(t, 1, dma.copies)

	got := make([]byte, 11)
	assert.NilError(t, dst.ReadAt(0, got))
	assert.Equal(t, "dma-payload", string(got))
}

func TestCopyLinkToLinkWithoutDMAFallsBackToBytewise(t *testing.T) {
	ctrl := newFakeController(64)
	src := buffer.NewLink(ctrl, 0, 32, 16, false)
	dst := buffer.NewLink(ctrl, 32, 64, 16, false)

	assert.NilError(t, src.WriteAt(0, []byte("plain")))
	assert.NilError(t, buffer.Copy(dst, src, 0, 0, 5))

	got := make([]byte, 5)
	assert.NilError(t, dst.ReadAt(0, got))
	assert.Equal(t, "plain", string(got))
}

func TestChecksumZeroOnSelfConsistentHeader(t *testing.T) {
	b := buffer.NewMem(8)
	assert.NilError(t, buffer.WriteNet16(b, 0, 0x4500))
	assert.NilError(t, buffer.WriteNet16(b, 2, 0x0014))
	assert.NilError(t, buffer.WriteNet16(b, 4, 0x1234))
	assert.NilError(t, buffer.WriteNet16(b, 6, 0x0000))

	sum := buffer.Checksum(b, 8, 6, 0)
	assert.NilError(t, buffer.WriteNet16(b, 6, sum))

	// Summing the whole header with the filled-in checksum field included
	// (offset -1 excludes nothing) gives 0xFFFF, so the complemented
	// result is zero: the defining property of the one's-complement
	// Internet checksum.
	verify := buffer.Checksum(b, 8, -1, 0)
	assert.Equal(t, uint16(0), verify)
}

package buffer

import "github.com/avrnet/stack/errs"

// Controller is the memory-mapped interface onto a link device's own
// packet SRAM, accessed over whatever bus connects it to the host (SPI,
// on this stack's target hardware). It is intentionally tiny: just
// addressed reads and writes into the controller's fixed memory, plus its
// total size. A Controller that can also shuttle bytes SRAM-to-SRAM
// itself (a DMA engine, on the hardware this targets) additionally
// implements DMAController, which Copy detects and uses so Link-to-Link
// copies skip the host round-trip; one that only implements Controller
// falls back to a read-then-write through host memory.
type Controller interface {
	ReadMem(addr uint16, data []byte) error
	WriteMem(addr uint16, data []byte) error
	MemSize() int
}

// DMAController is the optional capability a Controller advertises when
// it can copy directly between two addresses in its own SRAM without
// shuttling the bytes through host memory, mirroring the original
// ENC28J60Driver's DMAST-bit-driven copy.
type DMAController interface {
	Controller
	CopyMem(srcAddr, dstAddr uint16, length int) error
}

// Link is a Buffer backed by a region of a link Controller's SRAM. The
// controller's packet memory is a ring: transmit and receive regions wrap
// around at fixed start/end addresses, so a frame that starts near the
// end of its region continues at the region's start rather than running
// off the end of SRAM. This mirrors how an Ethernet controller's on-chip
// buffer is carved into fixed receive/transmit windows.
//
// payloadPointer is a movable origin within [start, end): WriteAt/ReadAt
// offsets are relative to start+payloadPointer, not start itself, so a
// buffer carved out once at construction can be repointed at successive
// frames in the ring (SetPayloadPointer) without reallocating a new Link
// for each one, the same role the original ENC28J60Buffer's
// payloadPointer/setPayloadPointer play.
type Link struct {
	ctrl           Controller
	start          uint16
	end            uint16 // exclusive
	length         int
	wrap           bool
	payloadPointer uint16
}

// NewLink returns a Buffer over ctrl's memory in [start, end), of usable
// length length starting at start. If wrap is true, addresses past end
// continue at start — the behavior needed for a receive ring buffer;
// transmit regions conventionally pass wrap=false since a single frame is
// written and then handed off before the next one begins.
func NewLink(ctrl Controller, start, end uint16, length int, wrap bool) *Link {
	return &Link{ctrl: ctrl, start: start, end: end, length: length, wrap: wrap}
}

func (l *Link) Size() int { return l.length }

func (l *Link) Kind() Kind { return KindLink }

// SetPayloadPointer repoints this Link's origin to offset bytes past
// start, for reusing one Link across successive frames in a ring buffer.
func (l *Link) SetPayloadPointer(offset uint16) { l.payloadPointer = offset }

// address translates a logical offset within this view into a physical
// controller address, wrapping at the region boundary when configured to.
func (l *Link) address(offset int) (uint16, error) {
	addr := uint32(l.start) + uint32(l.payloadPointer) + uint32(offset)
	regionLen := uint32(l.end) - uint32(l.start)
	if l.wrap && regionLen > 0 && addr >= uint32(l.end) {
		addr = uint32(l.start) + (addr-uint32(l.start))%regionLen
	}
	if addr >= uint32(l.end) {
		return 0, errs.ErrBuffer
	}
	return uint16(addr), nil
}

// copyFastPath attempts a controller-DMA copy of length bytes from this
// Link at srcStart into dst at dstStart, when both sides are Links
// sharing a DMA-capable Controller. It reports ok=false (with a nil
// error) when the fast path does not apply, so the caller falls back to
// the generic byte-wise Copy.
func (l *Link) copyFastPath(dst Buffer, dstStart, srcStart, length int) (ok bool, err error) {
	dl, isLink := dst.(*Link)
	if !isLink {
		return false, nil
	}
	if dl.ctrl != l.ctrl {
		return false, nil
	}
	dma, canDMA := l.ctrl.(DMAController)
	if !canDMA {
		return false, nil
	}
	srcAddr, err := l.address(srcStart)
	if err != nil {
		return false, err
	}
	dstAddr, err := dl.address(dstStart)
	if err != nil {
		return false, err
	}
	return true, dma.CopyMem(srcAddr, dstAddr, length)
}

func (l *Link) WriteAt(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > l.length {
		return errs.ErrBuffer
	}
	if !l.wrap {
		addr, err := l.address(offset)
		if err != nil {
			return err
		}
		return l.ctrl.WriteMem(addr, data)
	}
	return l.wrappedIO(offset, data, l.ctrl.WriteMem)
}

func (l *Link) ReadAt(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > l.length {
		return errs.ErrBuffer
	}
	if !l.wrap {
		addr, err := l.address(offset)
		if err != nil {
			return err
		}
		return l.ctrl.ReadMem(addr, data)
	}
	return l.wrappedIO(offset, data, l.ctrl.ReadMem)
}

// wrappedIO performs a read or write that may cross the region's wrap
// point, splitting it into at most two contiguous controller operations.
func (l *Link) wrappedIO(offset int, data []byte, op func(uint16, []byte) error) error {
	regionLen := int(l.end) - int(l.start)
	pos := offset
	remaining := data
	for len(remaining) > 0 {
		addr, err := l.address(pos)
		if err != nil {
			return err
		}
		untilWrap := regionLen - int(addr-l.start)
		n := len(remaining)
		if n > untilWrap {
			n = untilWrap
		}
		if err := op(addr, remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
		pos += n
	}
	return nil
}

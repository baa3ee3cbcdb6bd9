package buffer

import "github.com/avrnet/stack/errs"

// OffsetBuffer is a bounds-checked sub-view of another Buffer, used to
// address a single protocol layer's slice of a larger frame without
// copying. Chains of offset buffers (IPv4 payload inside a link frame,
// TCP payload inside an IPv4 payload) are flattened on demand by
// RootBuffer/RootOffset rather than walked one indirection at a time on
// every read/write.
type OffsetBuffer struct {
	inner  Buffer
	offset int
	length int
}

// NewOffset returns a view onto inner starting at offset, of the given
// length. If length is 0, the view extends to the end of inner.
func NewOffset(inner Buffer, offset, length int) (*OffsetBuffer, error) {
	o := &OffsetBuffer{}
	if err := o.Reinit(inner, offset, length); err != nil {
		return nil, err
	}
	return o, nil
}

// Reinit repoints an existing OffsetBuffer at a new inner buffer/offset,
// so a call site can reuse one OffsetBuffer value across frames instead
// of allocating a fresh one per packet.
func (o *OffsetBuffer) Reinit(inner Buffer, offset, length int) error {
	if offset > inner.Size() {
		offset = inner.Size()
		o.inner = inner
		o.offset = offset
		o.length = 0
		return errs.ErrBuffer
	}
	o.inner = inner
	o.offset = offset
	o.length = inner.Size() - offset
	if length > 0 {
		if length > o.length {
			o.length = 0
			return errs.ErrBuffer
		}
		o.length = length
	}
	return nil
}

func (o *OffsetBuffer) Size() int { return o.length }

func (o *OffsetBuffer) Kind() Kind { return KindOffset }

// RootBuffer walks through any nested OffsetBuffers and returns the
// non-offset buffer at the bottom of the chain.
func (o *OffsetBuffer) RootBuffer() Buffer {
	cur := o
	for cur.inner.Kind() == KindOffset {
		cur = cur.inner.(*OffsetBuffer)
	}
	return cur.inner
}

// RootOffset returns the cumulative offset from RootBuffer to this view.
func (o *OffsetBuffer) RootOffset() int {
	cur := o
	total := cur.offset
	for cur.inner.Kind() == KindOffset {
		cur = cur.inner.(*OffsetBuffer)
		total += cur.offset
	}
	return total
}

func (o *OffsetBuffer) WriteAt(start int, data []byte) error {
	if start+len(data) > o.length {
		return errs.ErrBuffer
	}
	return o.inner.WriteAt(o.offset+start, data)
}

func (o *OffsetBuffer) ReadAt(start int, data []byte) error {
	if start+len(data) > o.length {
		return errs.ErrBuffer
	}
	return o.inner.ReadAt(o.offset+start, data)
}

// Package buffer defines the Buffer data model shared by all runtime
// services: an up-to-4-dimensional array view over caller-owned host memory,
// optionally mirrored by an opaque device allocation.
//
// A Buffer is never copied by the runtime, only referenced. The host storage
// belongs to the caller; the device handle belongs to whichever device
// interface allocated it (see package devices).
//
// The two dirty flags track which side holds the newest data. Once a buffer
// has been synchronized, at most one of HostDirty/DevDirty is set; both set
// at once is an inconsistent state that the synchronization manager surfaces
// as an error rather than resolving silently.
package buffer

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// MaxDimensions is the maximum rank of a Buffer view.
// Unused trailing dimensions have zero extent.
const MaxDimensions = 4

// Buffer describes an array view passed to generated kernels.
//
// The correct element offset for a load at position (x, y, z, w) is
//
//	(x-Min[0])*Stride[0] + (y-Min[1])*Stride[1] + (z-Min[2])*Stride[2] + (w-Min[3])*Stride[3]
//
// in units of ElemSize bytes from the start of Host. By manipulating strides
// and extents callers can lazily crop, transpose and flip views without
// touching the data. The runtime never validates indices against bounds.
type Buffer struct {
	// Dev is an opaque device handle for accelerator memory backing this
	// buffer, or 0 if there is no device allocation. It is owned by the
	// device interface that created it.
	Dev uint64

	// Host points at the start of the data in host memory. Owned by the
	// caller, not the runtime.
	Host []byte

	// Extent is the size of the buffer in each dimension.
	Extent [MaxDimensions]int32

	// Stride is the spacing, in elements, between adjacent elements in each
	// dimension.
	Stride [MaxDimensions]int32

	// Min encodes the first coordinate of the domain in each dimension.
	Min [MaxDimensions]int32

	// ElemSize is the size in bytes of one buffer element.
	ElemSize int32

	// HostDirty is set when there is a device allocation mirroring this
	// buffer and the host side has been modified since the last transfer.
	HostDirty bool

	// DevDirty is set when there is a device allocation mirroring this
	// buffer and the device side has been modified since the last transfer.
	DevDirty bool
}

// AssertValid panics (with a stack trace) if b is nil or structurally
// invalid. Used to catch caller contract violations early; runtime
// conditions are reported as errors instead.
func (b *Buffer) AssertValid() {
	if b == nil {
		exceptions.Panicf("buffer.Buffer is nil")
	}
	if b.ElemSize <= 0 {
		exceptions.Panicf("buffer.Buffer has invalid element size %d", b.ElemSize)
	}
}

// Rank returns the number of dimensions in use: the leading dimensions with
// nonzero extent.
func (b *Buffer) Rank() int {
	rank := 0
	for rank < MaxDimensions && b.Extent[rank] != 0 {
		rank++
	}
	return rank
}

// SizeBytes returns the number of bytes an allocation must have to back
// every addressable element of the view: (max element offset + 1) * ElemSize.
// A zero-rank buffer holds a single element.
func (b *Buffer) SizeBytes() int64 {
	if b.ElemSize <= 0 {
		return 0
	}
	maxOffset := int64(0)
	for i := 0; i < MaxDimensions; i++ {
		if b.Extent[i] == 0 {
			continue
		}
		stride := int64(b.Stride[i])
		if stride < 0 {
			stride = -stride
		}
		maxOffset += int64(b.Extent[i]-1) * stride
	}
	return (maxOffset + 1) * int64(b.ElemSize)
}

// ElemOffset returns the element offset (in units of ElemSize) addressed by
// the given coordinates. Missing trailing coordinates default to the
// dimension's Min. No bounds checking is performed.
func (b *Buffer) ElemOffset(coords ...int32) int64 {
	if len(coords) > MaxDimensions {
		exceptions.Panicf("buffer.ElemOffset: %d coordinates given, at most %d supported", len(coords), MaxDimensions)
	}
	offset := int64(0)
	for i, c := range coords {
		offset += int64(c-b.Min[i]) * int64(b.Stride[i])
	}
	return offset
}

// ByteOffset is ElemOffset scaled to bytes.
func (b *Buffer) ByteOffset(coords ...int32) int64 {
	return b.ElemOffset(coords...) * int64(b.ElemSize)
}

// IsContiguous reports whether the view is dense and row-major-free of gaps,
// that is, whether strides describe a packed layout in some dimension order.
// Dense views can be transferred with a single copy.
func (b *Buffer) IsContiguous() bool {
	size := b.NumElements()
	return size*int64(b.ElemSize) == b.SizeBytes()
}

// NumElements returns the number of addressable elements (the product of the
// nonzero extents; 1 for a zero-rank buffer).
func (b *Buffer) NumElements() int64 {
	n := int64(1)
	for i := 0; i < MaxDimensions; i++ {
		if b.Extent[i] == 0 {
			continue
		}
		n *= int64(b.Extent[i])
	}
	return n
}

// String formats the buffer metadata (not its contents) for diagnostics.
func (b *Buffer) String() string {
	if b == nil {
		return "Buffer(nil)"
	}
	rank := b.Rank()
	return fmt.Sprintf("Buffer(rank=%d, extent=%v, stride=%v, min=%v, elemSize=%d, dev=%#x, hostDirty=%v, devDirty=%v)",
		rank, b.Extent[:rank], b.Stride[:rank], b.Min[:rank], b.ElemSize, b.Dev, b.HostDirty, b.DevDirty)
}

// Make2D returns a dense 2-dimensional buffer view over freshly allocated
// host storage. Mostly a convenience for tests and examples.
func Make2D(elemSize, width, height int32) *Buffer {
	b := &Buffer{
		ElemSize: elemSize,
	}
	b.Extent[0], b.Extent[1] = width, height
	b.Stride[0], b.Stride[1] = 1, width
	b.Host = Alloc(int(b.SizeBytes()))
	return b
}

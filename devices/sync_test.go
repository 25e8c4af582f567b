package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopforge/loopforge/buffer"
)

func denseBuffer(width, height int32) *buffer.Buffer {
	b := &buffer.Buffer{ElemSize: 1}
	b.Extent[0], b.Extent[1] = width, height
	b.Stride[0], b.Stride[1] = 1, width
	b.Host = make([]byte, b.SizeBytes())
	return b
}

func TestDeviceMallocIdempotent(t *testing.T) {
	h := NewHost("")
	defer func() { require.NoError(t, DeviceRelease(h)) }()

	b := denseBuffer(16, 16)
	require.NoError(t, DeviceMalloc(b, h))
	handle := b.Dev
	require.NotZero(t, handle)

	// Same interface: succeeds as a no-op, no second allocation.
	require.NoError(t, DeviceMalloc(b, h))
	assert.Equal(t, handle, b.Dev)
	assert.Equal(t, int64(1), h.CountMallocs.Load())

	// Different interface: the handle belongs to someone else.
	other := NewHost("")
	defer func() { require.NoError(t, DeviceRelease(other)) }()
	assert.ErrorIs(t, DeviceMalloc(b, other), ErrForeignDeviceHandle)
}

func TestDeviceMallocFailure(t *testing.T) {
	h := NewHost("cap=64")
	defer func() { require.NoError(t, DeviceRelease(h)) }()

	small := denseBuffer(8, 8) // exactly 64 bytes
	require.NoError(t, DeviceMalloc(small, h))

	big := denseBuffer(16, 16)
	err := DeviceMalloc(big, h)
	assert.ErrorIs(t, err, ErrAllocationFailure)
	assert.Zero(t, big.Dev)
}

func TestDeviceFree(t *testing.T) {
	h := NewHost("")
	defer func() { require.NoError(t, DeviceRelease(h)) }()

	b := denseBuffer(4, 4)
	// No allocation yet: freeing is a no-op.
	require.NoError(t, DeviceFree(b))

	require.NoError(t, DeviceMalloc(b, h))
	b.DevDirty = true
	require.NoError(t, DeviceFree(b))
	assert.Zero(t, b.Dev)
	assert.False(t, b.DevDirty)
	assert.Zero(t, h.UsedBytes())
}

func TestCopyToDeviceOnlyWhenHostDirty(t *testing.T) {
	h := NewHost("")
	defer func() { require.NoError(t, DeviceRelease(h)) }()

	b := denseBuffer(8, 8)
	require.NoError(t, DeviceMalloc(b, h))

	// Host not dirty: the device copy is already current, no data moves.
	b.DevDirty = false
	require.NoError(t, CopyToDevice(b, h))
	assert.Zero(t, h.CountCopiesToDev.Load())
	assert.False(t, b.DevDirty)

	// Host dirty: data moves and the flag clears.
	copy(b.Host, []byte("fresh host contents"))
	b.HostDirty = true
	require.NoError(t, CopyToDevice(b, h))
	assert.Equal(t, int64(1), h.CountCopiesToDev.Load())
	assert.False(t, b.HostDirty)
	assert.Equal(t, []byte(b.Host), h.DeviceData(b.Dev))
}

func TestCopyToDeviceResolvesOwningInterface(t *testing.T) {
	h := NewHost("")
	defer func() { require.NoError(t, DeviceRelease(h)) }()

	b := denseBuffer(4, 4)
	require.NoError(t, DeviceMalloc(b, h))
	b.HostDirty = true
	// nil interface: resolved through the buffer's existing device handle.
	require.NoError(t, CopyToDevice(b, nil))
	assert.Equal(t, int64(1), h.CountCopiesToDev.Load())
}

func TestCopyToDeviceNoInterface(t *testing.T) {
	b := denseBuffer(4, 4)
	b.HostDirty = true
	assert.ErrorIs(t, CopyToDevice(b, nil), ErrNoDeviceInterface)
}

func TestCopyToHostRoundTrip(t *testing.T) {
	h := NewHost("")
	defer func() { require.NoError(t, DeviceRelease(h)) }()

	b := denseBuffer(8, 2)
	for i := range b.Host {
		b.Host[i] = byte(i * 7)
	}
	b.HostDirty = true
	require.NoError(t, CopyToDevice(b, h))

	// Scribble over the host side, mark the device authoritative, pull.
	want := make([]byte, len(b.Host))
	copy(want, b.Host)
	for i := range b.Host {
		b.Host[i] = 0xAA
	}
	b.DevDirty = true
	require.NoError(t, CopyToHost(b))
	assert.False(t, b.DevDirty)
	assert.Equal(t, want, []byte(b.Host))

	// Not dirty: no further transfer happens.
	require.NoError(t, CopyToHost(b))
	assert.Equal(t, int64(1), h.CountCopiesToHost.Load())
}

func TestBothDirtyIsAnError(t *testing.T) {
	h := NewHost("")
	defer func() { require.NoError(t, DeviceRelease(h)) }()

	b := denseBuffer(4, 4)
	require.NoError(t, DeviceMalloc(b, h))
	b.HostDirty = true
	b.DevDirty = true
	assert.ErrorIs(t, CopyToDevice(b, h), ErrInconsistentBufferState)
	assert.ErrorIs(t, CopyToHost(b), ErrInconsistentBufferState)
	// Neither side was silently picked.
	assert.True(t, b.HostDirty)
	assert.True(t, b.DevDirty)
}

func TestDeviceSync(t *testing.T) {
	h := NewHost("")
	defer func() { require.NoError(t, DeviceRelease(h)) }()

	b := denseBuffer(4, 4)
	// No device allocation: trivially synchronized.
	require.NoError(t, DeviceSync(b))
	assert.Zero(t, h.CountSyncs.Load())

	require.NoError(t, DeviceMalloc(b, h))
	require.NoError(t, DeviceSync(b))
	assert.Equal(t, int64(1), h.CountSyncs.Load())
}

func TestDeviceReleaseForgetsHandles(t *testing.T) {
	h := NewHost("")
	b := denseBuffer(4, 4)
	require.NoError(t, DeviceMalloc(b, h))
	handle := b.Dev

	require.NoError(t, DeviceRelease(h))
	assert.Nil(t, HandleOwner(handle))
	assert.Zero(t, h.UsedBytes())
}

func TestRegistrySelection(t *testing.T) {
	iface := NewWithConfig("host:cap=128")
	require.Equal(t, "host", iface.Name())
	h := iface.(*Host)
	defer func() { require.NoError(t, DeviceRelease(h)) }()

	b := denseBuffer(16, 16) // 256 bytes, over the configured cap
	assert.ErrorIs(t, DeviceMalloc(b, h), ErrAllocationFailure)
}

func TestRegistryDefault(t *testing.T) {
	// Empty configuration: the first registered backend wins.
	t.Setenv(DeviceEnvVar, "")
	iface := New()
	assert.Equal(t, "host", iface.Name())
}

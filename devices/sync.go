package devices

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loopforge/loopforge/buffer"
)

// Handle ownership registry: device handles are opaque to the runtime, so
// copy operations that receive no explicit interface resolve the owner here.
// Guarded by its own mutex; zero value ready to use, no initialization
// ordering to get wrong.
var (
	ownersMu sync.Mutex
	owners   map[uint64]Interface
)

func registerHandle(handle uint64, iface Interface) {
	ownersMu.Lock()
	defer ownersMu.Unlock()
	if owners == nil {
		owners = make(map[uint64]Interface)
	}
	owners[handle] = iface
}

func unregisterHandle(handle uint64) {
	ownersMu.Lock()
	defer ownersMu.Unlock()
	delete(owners, handle)
}

// HandleOwner returns the interface that allocated handle, or nil if the
// handle is unknown (never allocated, or already freed/released).
func HandleOwner(handle uint64) Interface {
	ownersMu.Lock()
	defer ownersMu.Unlock()
	return owners[handle]
}

// checkConsistent surfaces the both-dirty state as an error instead of
// silently picking a side.
func checkConsistent(b *buffer.Buffer) error {
	if b.HostDirty && b.DevDirty {
		return errors.Wrapf(ErrInconsistentBufferState, "buffer %s", b)
	}
	return nil
}

// DeviceMalloc ensures b has a device allocation under iface. It is
// idempotent: if b already holds an allocation from the same interface it
// succeeds as a no-op. Allocation failure is reported as
// ErrAllocationFailure.
func DeviceMalloc(b *buffer.Buffer, iface Interface) error {
	b.AssertValid()
	if iface == nil {
		return errors.Wrap(ErrNoDeviceInterface, "DeviceMalloc requires an interface")
	}
	if b.Dev != 0 {
		owner := HandleOwner(b.Dev)
		if owner == iface {
			return nil
		}
		return errors.Wrapf(ErrForeignDeviceHandle, "buffer already allocated on %q, DeviceMalloc called with %q",
			ownerName(owner), iface.Name())
	}
	handle, err := iface.Malloc(b)
	if err != nil {
		return errors.Wrapf(ErrAllocationFailure, "device %q failed to allocate %s: %v",
			iface.Name(), humanize.IBytes(uint64(b.SizeBytes())), err)
	}
	registerHandle(handle, iface)
	b.Dev = handle
	klog.V(2).Infof("devices: allocated %s on %q (handle %#x)", humanize.IBytes(uint64(b.SizeBytes())), iface.Name(), handle)
	return nil
}

// DeviceFree releases b's device allocation. No-op if none is allocated.
// It clears the device handle and the device dirty flag.
func DeviceFree(b *buffer.Buffer) error {
	b.AssertValid()
	if b.Dev == 0 {
		return nil
	}
	owner := HandleOwner(b.Dev)
	if owner != nil {
		if err := owner.Free(b.Dev); err != nil {
			return errors.Wrapf(err, "device %q failed to free handle %#x", owner.Name(), b.Dev)
		}
		unregisterHandle(b.Dev)
	}
	b.Dev = 0
	b.DevDirty = false
	return nil
}

// CopyToDevice pushes b's host data to the device if, and only if, the host
// side is dirty. With HostDirty unset the device copy is already current and
// no data moves.
//
// iface may be nil if b already has a device allocation; the allocation's
// owning interface is used. With neither, it fails with ErrNoDeviceInterface.
func CopyToDevice(b *buffer.Buffer, iface Interface) error {
	b.AssertValid()
	if err := checkConsistent(b); err != nil {
		return err
	}
	resolved, err := resolveInterface(b, iface)
	if err != nil {
		return err
	}
	if err = DeviceMalloc(b, resolved); err != nil {
		return err
	}
	if !b.HostDirty {
		return nil
	}
	if err = resolved.CopyToDevice(b); err != nil {
		return errors.Wrapf(err, "device %q failed to copy %s to device", resolved.Name(), humanize.IBytes(uint64(b.SizeBytes())))
	}
	b.HostDirty = false
	return nil
}

// CopyToHost pulls device data back to host storage if, and only if, the
// device side is dirty, then clears DevDirty.
func CopyToHost(b *buffer.Buffer) error {
	b.AssertValid()
	if err := checkConsistent(b); err != nil {
		return err
	}
	if !b.DevDirty {
		return nil
	}
	owner := HandleOwner(b.Dev)
	if owner == nil {
		return errors.Wrapf(ErrNoDeviceInterface, "buffer marked device-dirty but handle %#x has no owner", b.Dev)
	}
	if err := owner.CopyToHost(b); err != nil {
		return errors.Wrapf(err, "device %q failed to copy %s to host", owner.Name(), humanize.IBytes(uint64(b.SizeBytes())))
	}
	b.DevDirty = false
	return nil
}

// DeviceSync blocks the calling thread until all outstanding backend
// operations on b complete. Mostly useful for measurement: correctness-
// critical reads already synchronize through the copy operations. A buffer
// with no device allocation syncs trivially.
func DeviceSync(b *buffer.Buffer) error {
	b.AssertValid()
	if b.Dev == 0 {
		return nil
	}
	owner := HandleOwner(b.Dev)
	if owner == nil {
		return nil
	}
	return owner.Sync(b)
}

// DeviceRelease tears down all backend-held resources associated with iface
// and forgets every handle it owns. The caller must guarantee no buffer
// operation is concurrently outstanding against iface; this function does
// not synchronize against the other buffer APIs.
//
// Buffers still referencing a released handle keep their stale Dev value;
// clearing it is the caller's job, as is not using it again.
func DeviceRelease(iface Interface) error {
	if iface == nil {
		return nil
	}
	ownersMu.Lock()
	for handle, owner := range owners {
		if owner == iface {
			delete(owners, handle)
		}
	}
	ownersMu.Unlock()
	return iface.Release()
}

func resolveInterface(b *buffer.Buffer, iface Interface) (Interface, error) {
	if iface != nil {
		return iface, nil
	}
	if b.Dev != 0 {
		if owner := HandleOwner(b.Dev); owner != nil {
			return owner, nil
		}
	}
	return nil, errors.Wrap(ErrNoDeviceInterface, "buffer has no device allocation and no interface was supplied")
}

func ownerName(iface Interface) string {
	if iface == nil {
		return "<unknown>"
	}
	return iface.Name()
}

package devices

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loopforge/loopforge/buffer"
)

// Host is the built-in reference device backend: "device" memory is a
// separate host allocation, so the full dirty-flag protocol is exercised
// without accelerator hardware. It is also what tests and the memoization
// layer use to observe data movement, via its transfer counters.
//
// The config string may carry "cap=<bytes>" to limit total device memory,
// which makes allocation failure reproducible.
type Host struct {
	mu          sync.Mutex
	allocations map[uint64][]byte
	capBytes    int64
	usedBytes   int64

	// Operation counters, readable while the interface is live.
	CountMallocs      atomic.Int64
	CountFrees        atomic.Int64
	CountCopiesToDev  atomic.Int64
	CountCopiesToHost atomic.Int64
	CountSyncs        atomic.Int64
}

// Handles are process-unique, not per-instance: the ownership registry in
// this package keys on the bare handle value, so two live backends must
// never mint the same one.
var hostHandleSeq atomic.Uint64

func init() {
	Register("host", func(config string) Interface { return NewHost(config) })
}

// NewHost builds a Host backend from its config string.
func NewHost(config string) *Host {
	h := &Host{
		allocations: make(map[uint64][]byte),
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if after, ok := strings.CutPrefix(part, "cap="); ok {
			capBytes, err := strconv.ParseInt(after, 10, 64)
			if err != nil {
				klog.Warningf("devices: invalid host backend capacity %q, ignored", after)
				continue
			}
			h.capBytes = capBytes
			continue
		}
		klog.Warningf("devices: unknown host backend config %q, ignored", part)
	}
	return h
}

// Name implements Interface.
func (h *Host) Name() string { return "host" }

// Malloc implements Interface.
func (h *Host) Malloc(b *buffer.Buffer) (uint64, error) {
	size := b.SizeBytes()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.capBytes > 0 && h.usedBytes+size > h.capBytes {
		return 0, errors.Errorf("host backend out of device memory: %d bytes requested, %d of %d in use",
			size, h.usedBytes, h.capBytes)
	}
	handle := hostHandleSeq.Add(1)
	h.allocations[handle] = buffer.Alloc(int(size))
	h.usedBytes += size
	h.CountMallocs.Add(1)
	return handle, nil
}

// Free implements Interface.
func (h *Host) Free(handle uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	storage, found := h.allocations[handle]
	if !found {
		return errors.Errorf("host backend asked to free unknown handle %#x", handle)
	}
	delete(h.allocations, handle)
	h.usedBytes -= int64(len(storage))
	buffer.Release(storage)
	h.CountFrees.Add(1)
	return nil
}

// CopyToDevice implements Interface.
func (h *Host) CopyToDevice(b *buffer.Buffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	storage, found := h.allocations[b.Dev]
	if !found {
		return errors.Errorf("host backend has no allocation for handle %#x", b.Dev)
	}
	n := min(len(storage), len(b.Host))
	copy(storage[:n], b.Host[:n])
	h.CountCopiesToDev.Add(1)
	return nil
}

// CopyToHost implements Interface.
func (h *Host) CopyToHost(b *buffer.Buffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	storage, found := h.allocations[b.Dev]
	if !found {
		return errors.Errorf("host backend has no allocation for handle %#x", b.Dev)
	}
	n := min(len(storage), len(b.Host))
	copy(b.Host[:n], storage[:n])
	h.CountCopiesToHost.Add(1)
	return nil
}

// Sync implements Interface. All host backend operations complete before
// returning, so there is never anything outstanding to wait for.
func (h *Host) Sync(b *buffer.Buffer) error {
	h.CountSyncs.Add(1)
	return nil
}

// Release implements Interface.
func (h *Host) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for handle, storage := range h.allocations {
		buffer.Release(storage)
		delete(h.allocations, handle)
	}
	h.usedBytes = 0
	return nil
}

// UsedBytes returns the backend's current device memory usage.
func (h *Host) UsedBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usedBytes
}

// DeviceData returns a copy of the device allocation behind handle, or nil
// if unknown. Test hook.
func (h *Host) DeviceData(handle uint64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	storage, found := h.allocations[handle]
	if !found {
		return nil
	}
	out := make([]byte, len(storage))
	copy(out, storage)
	return out
}

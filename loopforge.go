// Package loopforge is the native execution runtime behind compiled
// data-parallel pipelines. Generated kernels call into it at execution time
// to parallelize independent loop iterations (package parfor), move buffer
// contents between host and accelerator memory lazily (package devices),
// memoize realized results (package memocache), and emit structured traces
// (package trace).
//
// This package ties the services together behind the replaceable callback
// set: every operation a kernel invokes dispatches through an execution
// Context whose override table a host application can populate before first
// use. Unset slots fall through to the built-in defaults, so an application
// replaces exactly the services it cares about -- a custom allocator, its
// own thread pool, a trace collector -- and nothing else.
//
// The services never call each other; they are composed only through the
// Context and the buffer data model.
package loopforge

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/loopforge/loopforge/buffer"
	"github.com/loopforge/loopforge/devices"
	"github.com/loopforge/loopforge/memocache"
	"github.com/loopforge/loopforge/parfor"
	"github.com/loopforge/loopforge/trace"
)

// Overrides is the replaceable callback set. A nil slot selects the built-in
// default implementation. Swap slots before the Context's first use; the
// table is read without synchronization afterwards.
type Overrides struct {
	Print func(ctx *Context, msg string)
	Error func(ctx *Context, msg string)

	Malloc func(ctx *Context, size int) []byte
	Free   func(ctx *Context, data []byte)

	DoParFor func(ctx *Context, task parfor.Task, min, size int32, closure any) int32
	DoTask   func(ctx *Context, task parfor.Task, index int32, closure any) int32

	Trace        func(ctx *Context, event *trace.Event) int32
	GetTraceFile func(ctx *Context) *os.File

	DeviceMalloc  func(ctx *Context, b *buffer.Buffer, iface devices.Interface) error
	DeviceFree    func(ctx *Context, b *buffer.Buffer) error
	CopyToDevice  func(ctx *Context, b *buffer.Buffer, iface devices.Interface) error
	CopyToHost    func(ctx *Context, b *buffer.Buffer) error
	DeviceSync    func(ctx *Context, b *buffer.Buffer) error
	DeviceRelease func(ctx *Context, iface devices.Interface) error

	CacheLookup func(ctx *Context, key []byte, bounds *buffer.Buffer, bufs []*buffer.Buffer) bool
	CacheStore  func(ctx *Context, key []byte, bounds *buffer.Buffer, bufs []*buffer.Buffer)
}

// Context scopes one caller's runtime state: its override table, error
// handler, selected device, cache and trace emitter. It replaces the opaque
// user-context pointer threaded through kernel calls; hosts construct one
// (or one per request/thread) and pass it to every runtime entry point.
//
// A nil *Context is valid everywhere and behaves as a default-constructed
// one.
type Context struct {
	// Overrides is the replaceable callback set for this context.
	Overrides Overrides

	// ErrorHandler receives runtime error reports (e.g. bounds-check
	// failures raised by kernels through Error). Defaults to logging.
	ErrorHandler func(ctx *Context, msg string)

	// Device is the accelerator interface this context targets. Nil means
	// resolve the process default (registry + LOOPFORGE_DEVICE) on first
	// device operation.
	Device devices.Interface

	// Cache overrides the process-wide memoization cache when non-nil.
	Cache *memocache.Cache

	// Emitter overrides the process-wide trace emitter when non-nil.
	Emitter *trace.Emitter

	// UserData is carried through untouched, for closures that need
	// host-side state.
	UserData any
}

// NewContext returns a Context with process configuration applied (see
// LoadConfig) and all callback slots at their defaults.
func NewContext() *Context {
	applyProcessConfig()
	return &Context{}
}

// cache resolves the memoization cache this context uses.
func (ctx *Context) cache() *memocache.Cache {
	if ctx != nil && ctx.Cache != nil {
		return ctx.Cache
	}
	return memocache.Default()
}

// emitter resolves the trace emitter this context uses.
func (ctx *Context) emitter() *trace.Emitter {
	if ctx != nil && ctx.Emitter != nil {
		return ctx.Emitter
	}
	return trace.Default()
}

// device resolves the device interface this context targets, lazily
// constructing the process default.
func (ctx *Context) device() devices.Interface {
	if ctx == nil {
		return devices.New()
	}
	if ctx.Device == nil {
		ctx.Device = devices.New()
	}
	return ctx.Device
}

// Print writes a message for the host application: kernels use it for
// print/print_when and trace fallbacks. Default writes to stderr.
func Print(ctx *Context, msg string) {
	if ctx != nil && ctx.Overrides.Print != nil {
		ctx.Overrides.Print(ctx, msg)
		return
	}
	fmt.Fprint(os.Stderr, msg)
}

// Error reports a runtime error raised by a kernel (for example a
// bounds-check failure). It routes to the context's error handler; the
// default logs the message. The runtime itself never aborts the process.
func Error(ctx *Context, msg string) {
	if ctx != nil && ctx.Overrides.Error != nil {
		ctx.Overrides.Error(ctx, msg)
		return
	}
	if ctx != nil && ctx.ErrorHandler != nil {
		ctx.ErrorHandler(ctx, msg)
		return
	}
	klog.Errorf("loopforge: kernel error: %s", msg)
}

// Malloc allocates size bytes of host memory through the context's
// allocator. The default draws from the pooled allocator in package buffer.
func Malloc(ctx *Context, size int) []byte {
	if ctx != nil && ctx.Overrides.Malloc != nil {
		return ctx.Overrides.Malloc(ctx, size)
	}
	return buffer.Alloc(size)
}

// Free returns memory obtained from Malloc.
func Free(ctx *Context, data []byte) {
	if ctx != nil && ctx.Overrides.Free != nil {
		ctx.Overrides.Free(ctx, data)
		return
	}
	buffer.Release(data)
}

// DoParFor executes task over [min, min+size) with fork-join semantics. See
// parfor.DoParFor for the scheduling contract.
func DoParFor(ctx *Context, task parfor.Task, min, size int32, closure any) int32 {
	if ctx != nil && ctx.Overrides.DoParFor != nil {
		return ctx.Overrides.DoParFor(ctx, task, min, size, closure)
	}
	return parfor.DoParFor(ctx, task, min, size, closure)
}

// DoTask runs one loop body invocation through the per-task hook.
func DoTask(ctx *Context, task parfor.Task, index int32, closure any) int32 {
	if ctx != nil && ctx.Overrides.DoTask != nil {
		return ctx.Overrides.DoTask(ctx, task, index, closure)
	}
	return parfor.DoTask(ctx, task, index, closure)
}

// SetNumThreads resizes the shared worker pool; see parfor.SetNumThreads.
func SetNumThreads(n int) { parfor.SetNumThreads(n) }

// ShutdownThreadPool releases the shared worker pool; the next parallel
// call recreates it transparently.
func ShutdownThreadPool() { parfor.Shutdown() }

// Trace emits event through the context's emitter and returns its id.
func Trace(ctx *Context, event *trace.Event) int32 {
	if ctx != nil && ctx.Overrides.Trace != nil {
		return ctx.Overrides.Trace(ctx, event)
	}
	return ctx.emitter().Trace(event)
}

// SetTraceFile selects the binary trace sink for the context's emitter; nil
// selects the human-readable stream.
func SetTraceFile(ctx *Context, f *os.File) { ctx.emitter().SetTraceFile(f) }

// GetTraceFile returns the file the context's emitter writes events to,
// resolving the environment default on first query. Nil means a non-file
// sink. Pairs with SetTraceFile.
func GetTraceFile(ctx *Context) *os.File {
	if ctx != nil && ctx.Overrides.GetTraceFile != nil {
		return ctx.Overrides.GetTraceFile(ctx)
	}
	return ctx.emitter().TraceFile()
}

// ShutdownTrace flushes and closes the context's trace sink.
func ShutdownTrace(ctx *Context) error { return ctx.emitter().Shutdown() }

// DeviceMalloc ensures b has a device allocation; iface nil targets the
// context's device.
func DeviceMalloc(ctx *Context, b *buffer.Buffer, iface devices.Interface) error {
	if ctx != nil && ctx.Overrides.DeviceMalloc != nil {
		return ctx.Overrides.DeviceMalloc(ctx, b, iface)
	}
	if iface == nil {
		iface = ctx.device()
	}
	return devices.DeviceMalloc(b, iface)
}

// DeviceFree releases b's device allocation, if any.
func DeviceFree(ctx *Context, b *buffer.Buffer) error {
	if ctx != nil && ctx.Overrides.DeviceFree != nil {
		return ctx.Overrides.DeviceFree(ctx, b)
	}
	return devices.DeviceFree(b)
}

// CopyToDevice lazily pushes host data to the device; see
// devices.CopyToDevice.
func CopyToDevice(ctx *Context, b *buffer.Buffer, iface devices.Interface) error {
	if ctx != nil && ctx.Overrides.CopyToDevice != nil {
		return ctx.Overrides.CopyToDevice(ctx, b, iface)
	}
	return devices.CopyToDevice(b, iface)
}

// CopyToHost lazily pulls device data back to host storage.
func CopyToHost(ctx *Context, b *buffer.Buffer) error {
	if ctx != nil && ctx.Overrides.CopyToHost != nil {
		return ctx.Overrides.CopyToHost(ctx, b)
	}
	return devices.CopyToHost(b)
}

// DeviceSync blocks until outstanding device operations on b complete.
func DeviceSync(ctx *Context, b *buffer.Buffer) error {
	if ctx != nil && ctx.Overrides.DeviceSync != nil {
		return ctx.Overrides.DeviceSync(ctx, b)
	}
	return devices.DeviceSync(b)
}

// DeviceRelease tears down all resources held by iface (the context's
// device if nil).
func DeviceRelease(ctx *Context, iface devices.Interface) error {
	if ctx != nil && ctx.Overrides.DeviceRelease != nil {
		return ctx.Overrides.DeviceRelease(ctx, iface)
	}
	if iface == nil && ctx != nil {
		iface = ctx.Device
	}
	return devices.DeviceRelease(iface)
}

// CacheLookup checks the memoization cache for key, copying the stored
// outputs into the caller's buffers on a hit.
func CacheLookup(ctx *Context, key []byte, bounds *buffer.Buffer, bufs []*buffer.Buffer) bool {
	if ctx != nil && ctx.Overrides.CacheLookup != nil {
		return ctx.Overrides.CacheLookup(ctx, key, bounds, bufs)
	}
	return ctx.cache().Lookup(key, bounds, bufs)
}

// CacheStore records a computed realization in the memoization cache.
func CacheStore(ctx *Context, key []byte, bounds *buffer.Buffer, bufs []*buffer.Buffer) {
	if ctx != nil && ctx.Overrides.CacheStore != nil {
		ctx.Overrides.CacheStore(ctx, key, bounds, bufs)
		return
	}
	ctx.cache().Store(key, bounds, bufs)
}

// CacheSetSize sets the soft byte capacity of the context's cache.
func CacheSetSize(ctx *Context, bytes int64) { ctx.cache().SetSize(bytes) }

// CacheCleanup releases all cache entries; the caller must guarantee no
// concurrent cache operations are in flight.
func CacheCleanup(ctx *Context) { ctx.cache().Cleanup() }

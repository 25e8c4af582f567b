package loopforge

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopforge/loopforge/abi"
	"github.com/loopforge/loopforge/buffer"
	"github.com/loopforge/loopforge/devices"
	"github.com/loopforge/loopforge/memocache"
	"github.com/loopforge/loopforge/parfor"
	"github.com/loopforge/loopforge/trace"
)

func denseBuffer(n int32) *buffer.Buffer {
	b := &buffer.Buffer{ElemSize: 1}
	b.Extent[0] = n
	b.Stride[0] = 1
	b.Host = make([]byte, n)
	return b
}

func TestPrintOverride(t *testing.T) {
	ctx := NewContext()
	var got string
	ctx.Overrides.Print = func(_ *Context, msg string) { got = msg }
	Print(ctx, "hello from a kernel")
	assert.Equal(t, "hello from a kernel", got)
}

func TestErrorRoutesToHandler(t *testing.T) {
	ctx := NewContext()
	var got string
	ctx.ErrorHandler = func(_ *Context, msg string) { got = msg }
	Error(ctx, "bounds check failed")
	assert.Equal(t, "bounds check failed", got)

	// The Error override slot takes precedence over the handler.
	var viaOverride string
	ctx.Overrides.Error = func(_ *Context, msg string) { viaOverride = msg }
	Error(ctx, "again")
	assert.Equal(t, "again", viaOverride)
	assert.Equal(t, "bounds check failed", got)
}

func TestDoParForOverride(t *testing.T) {
	ctx := NewContext()
	var calls atomic.Int32
	ctx.Overrides.DoParFor = func(ctx *Context, task parfor.Task, min, size int32, closure any) int32 {
		calls.Add(1)
		// A host replacement still honors the contract: run serially here.
		for x := min; x < min+size; x++ {
			if r := task(ctx, x, closure); r != 0 {
				return r
			}
		}
		return 0
	}
	var sum atomic.Int64
	result := DoParFor(ctx, func(_ any, index int32, _ any) int32 {
		sum.Add(int64(index))
		return 0
	}, 0, 10, nil)
	require.Zero(t, result)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(45), sum.Load())
}

func TestDoParForDefault(t *testing.T) {
	visited := make([]atomic.Int32, 100)
	result := DoParFor(nil, func(_ any, index int32, _ any) int32 {
		visited[index].Add(1)
		return 0
	}, 0, 100, nil)
	require.Zero(t, result)
	for i := range visited {
		assert.Equal(t, int32(1), visited[i].Load())
	}
}

func TestMallocFreeDefaultAndOverride(t *testing.T) {
	data := Malloc(nil, 256)
	assert.Len(t, data, 256)
	Free(nil, data)

	ctx := NewContext()
	var mallocs, frees int
	ctx.Overrides.Malloc = func(_ *Context, size int) []byte {
		mallocs++
		return make([]byte, size)
	}
	ctx.Overrides.Free = func(_ *Context, _ []byte) { frees++ }
	Free(ctx, Malloc(ctx, 16))
	assert.Equal(t, 1, mallocs)
	assert.Equal(t, 1, frees)
}

func TestContextScopedCache(t *testing.T) {
	ctx := NewContext()
	ctx.Cache = memocache.New()

	stored := denseBuffer(8)
	copy(stored.Host, "12345678")
	CacheStore(ctx, []byte("ctx-key"), nil, []*buffer.Buffer{stored})

	dst := denseBuffer(8)
	require.True(t, CacheLookup(ctx, []byte("ctx-key"), nil, []*buffer.Buffer{dst}))
	assert.Equal(t, stored.Host, dst.Host)

	// A different context (process default cache) doesn't see the entry.
	other := NewContext()
	other.Cache = memocache.New()
	assert.False(t, CacheLookup(other, []byte("ctx-key"), nil, []*buffer.Buffer{denseBuffer(8)}))
}

func TestCacheOverrideSlots(t *testing.T) {
	ctx := NewContext()
	var lookups, stores int
	ctx.Overrides.CacheLookup = func(_ *Context, _ []byte, _ *buffer.Buffer, _ []*buffer.Buffer) bool {
		lookups++
		return false
	}
	ctx.Overrides.CacheStore = func(_ *Context, _ []byte, _ *buffer.Buffer, _ []*buffer.Buffer) {
		stores++
	}
	assert.False(t, CacheLookup(ctx, []byte("k"), nil, nil))
	CacheStore(ctx, []byte("k"), nil, nil)
	assert.Equal(t, 1, lookups)
	assert.Equal(t, 1, stores)
}

func TestDeviceOpsThroughContext(t *testing.T) {
	ctx := NewContext()
	h := devices.NewHost("")
	ctx.Device = h
	defer func() { require.NoError(t, DeviceRelease(ctx, nil)) }()

	b := denseBuffer(64)
	require.NoError(t, DeviceMalloc(ctx, b, nil))
	require.NotZero(t, b.Dev)

	copy(b.Host, "device-bound payload")
	b.HostDirty = true
	require.NoError(t, CopyToDevice(ctx, b, nil))
	assert.False(t, b.HostDirty)

	b.DevDirty = true
	clear(b.Host)
	require.NoError(t, CopyToHost(ctx, b))
	assert.Equal(t, "device-bound payload", string(b.Host[:20]))

	require.NoError(t, DeviceSync(ctx, b))
	require.NoError(t, DeviceFree(ctx, b))
	assert.Zero(t, b.Dev)
}

func TestTraceThroughContext(t *testing.T) {
	ctx := NewContext()
	ctx.Emitter = trace.NewEmitter()
	ctx.Emitter.SetOutput(discardWriter{}, trace.FormatText)

	id1 := Trace(ctx, &trace.Event{Func: "f", Kind: abi.EventBeginRealization})
	id2 := Trace(ctx, &trace.Event{Func: "f", Kind: abi.EventEndRealization, ParentID: id1})
	assert.Greater(t, id2, id1)
	require.NoError(t, ShutdownTrace(ctx))

	var traced int32
	ctx.Overrides.Trace = func(_ *Context, _ *trace.Event) int32 {
		traced++
		return traced
	}
	assert.Equal(t, int32(1), Trace(ctx, &trace.Event{Func: "g", Kind: abi.EventStore}))
}

func TestGetTraceFile(t *testing.T) {
	t.Setenv(trace.TraceFileEnvVar, "")
	ctx := NewContext()
	ctx.Emitter = trace.NewEmitter()

	f, err := os.Create(filepath.Join(t.TempDir(), "events.bin"))
	require.NoError(t, err)
	SetTraceFile(ctx, f)
	assert.Same(t, f, GetTraceFile(ctx))
	require.NoError(t, ShutdownTrace(ctx))

	// The override slot takes precedence over the emitter's sink.
	var queries int
	ctx.Overrides.GetTraceFile = func(_ *Context) *os.File {
		queries++
		return nil
	}
	assert.Nil(t, GetTraceFile(ctx))
	assert.Equal(t, 1, queries)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNilContextUsesDefaults(t *testing.T) {
	// Every dispatch function accepts nil and falls back to the built-ins.
	result := DoParFor(nil, func(_ any, _ int32, _ any) int32 { return 0 }, 0, 4, nil)
	assert.Zero(t, result)
	assert.Zero(t, DoTask(nil, func(_ any, _ int32, _ any) int32 { return 0 }, 0, nil))
}

// Package memocache implements the memoization cache: a content-addressed
// store of previously realized computation outputs, keyed on opaque byte
// sequences constructed by the calling layer.
//
// Entries map a key to a realized-bounds descriptor and an ordered tuple of
// output buffers (multi-valued computations store more than one). Keys are
// compared by exact byte equality; their internal structure means nothing to
// the cache. Capacity is a soft byte target enforced by least-recently-used
// eviction on store.
//
// The index is one shared structure under one lock: operations on the same
// key are totally ordered, operations on distinct keys are merely
// index-consistent. The cache does not deduplicate concurrent misses for the
// same key -- see LookupOrCompute for an opt-in single-flight layer on top.
package memocache

import (
	"container/list"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loopforge/loopforge/buffer"
	"github.com/loopforge/loopforge/internal/xsync"
)

// ErrCacheCorrupt reports an internal invariant violation (index and entry
// disagreeing). It is fatal to the cached contents -- the instance degrades
// to empty -- but never to the host process.
var ErrCacheCorrupt = errors.New("memoization cache corrupt")

// DefaultCapacity is the soft byte capacity a cache starts with.
const DefaultCapacity = 1 << 30 // 1 GiB

// storedBuffer is the cache-owned copy of one output buffer.
type storedBuffer struct {
	meta buffer.Buffer // metadata only; Host points at cache-owned storage
	data []byte
}

// entry is one key's cached realization.
type entry struct {
	key     string
	bounds  buffer.Buffer // realized-bounds descriptor, metadata only
	outputs []storedBuffer
	size    int64
	elem    *list.Element // position in the LRU list
}

// flight tracks one in-progress single-flight computation.
type flight struct {
	done *xsync.Latch
	err  error
}

// Cache is a memoization cache instance. The zero value is not usable; call
// New. A process-wide default instance backs the package-level functions.
type Cache struct {
	mu       sync.Mutex
	index    map[string]*entry
	lru      *list.List // front = most recently touched
	total    int64
	capacity int64
	inflight map[string]*flight
	lastErr  error
}

// New returns an empty cache with the default soft capacity.
func New() *Cache {
	return &Cache{
		index:    make(map[string]*entry),
		lru:      list.New(),
		capacity: DefaultCapacity,
		inflight: make(map[string]*flight),
	}
}

// SetSize sets the soft byte-capacity target. It is not a hard ceiling:
// concurrent stores may transiently exceed it, and an entry being read is
// never reclaimed mid-read (reads copy under the index lock). Shrinking
// below the current total evicts immediately, oldest first.
func (c *Cache) SetSize(bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = bytes
	c.lockedEvict()
}

// Lookup checks key against the cache. On a hit it copies the stored outputs
// into the caller-supplied buffers (allocating host storage for any buffer
// that has none), fills bounds with the realized-bounds descriptor, touches
// the entry and returns true. On a miss it returns false and the caller is
// expected to compute the result and Store it.
func (c *Cache) Lookup(key []byte, bounds *buffer.Buffer, bufs []*buffer.Buffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.index[string(key)]
	if !found {
		return false
	}
	if len(e.outputs) != len(bufs) {
		// The key was built for a different tuple shape than the caller
		// expects: the index can no longer be trusted for any key.
		c.lockedCorrupt(errors.Wrapf(ErrCacheCorrupt,
			"entry holds %d outputs, caller expects %d", len(e.outputs), len(bufs)))
		return false
	}
	for i, out := range e.outputs {
		dst := bufs[i]
		dst.AssertValid()
		host := dst.Host
		if int64(len(host)) < int64(len(out.data)) {
			host = buffer.Alloc(len(out.data))
		}
		copy(host, out.data)
		meta := out.meta
		meta.Host = host
		meta.Dev = dst.Dev
		meta.DevDirty = dst.DevDirty
		*dst = meta
	}
	if bounds != nil {
		host := bounds.Host
		*bounds = e.bounds
		bounds.Host = host
	}
	c.lru.MoveToFront(e.elem)
	return true
}

// Store copies the contents of bufs into cache-owned storage under key,
// inserting a new entry or replacing an existing one. The caller's buffers
// are not modified or retained. Eviction runs opportunistically afterwards
// if the running total exceeds the soft capacity; the entry just stored is
// the most recently touched and is never the eviction victim while other
// candidates remain.
func (c *Cache) Store(key []byte, bounds *buffer.Buffer, bufs []*buffer.Buffer) {
	e := &entry{
		key:     string(key),
		outputs: make([]storedBuffer, len(bufs)),
	}
	if bounds != nil {
		e.bounds = *bounds
		e.bounds.Host = nil
	}
	for i, src := range bufs {
		src.AssertValid()
		n := int(src.SizeBytes())
		if n > len(src.Host) {
			n = len(src.Host)
		}
		data := buffer.Alloc(n)
		copy(data, src.Host[:n])
		meta := *src
		meta.Host = nil
		meta.Dev = 0
		meta.DevDirty = false
		e.outputs[i] = storedBuffer{meta: meta, data: data}
		e.size += int64(n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, found := c.index[e.key]; found {
		c.lockedRemove(old)
	}
	c.index[e.key] = e
	e.elem = c.lru.PushFront(e)
	c.total += e.size
	c.lockedEvict()
}

// Cleanup releases all entries. It is only safe when no Lookup/Store is in
// flight; establishing that quiescence window is the caller's
// responsibility.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockedCleanup()
}

// Err returns the last internal-corruption error observed, or nil. The
// cache keeps operating (as empty) after corruption.
func (c *Cache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// TotalBytes returns the current stored total. Test and diagnostics hook.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Cache) lockedRemove(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.index, e.key)
	c.total -= e.size
	for _, out := range e.outputs {
		buffer.Release(out.data)
	}
}

// lockedEvict drops least-recently-touched entries until the total fits the
// soft capacity, always keeping the most recently touched entry.
func (c *Cache) lockedEvict() {
	for c.total > c.capacity && c.lru.Len() > 1 {
		victim := c.lru.Back().Value.(*entry)
		klog.V(2).Infof("memocache: evicting entry of %s, cache at %s over soft cap %s",
			humanize.IBytes(uint64(victim.size)), humanize.IBytes(uint64(c.total)), humanize.IBytes(uint64(c.capacity)))
		c.lockedRemove(victim)
	}
}

func (c *Cache) lockedCleanup() {
	for key, e := range c.index {
		for _, out := range e.outputs {
			buffer.Release(out.data)
		}
		delete(c.index, key)
	}
	c.lru.Init()
	c.total = 0
}

// lockedCorrupt degrades the instance to empty rather than crashing or
// serving questionable data.
func (c *Cache) lockedCorrupt(err error) {
	klog.Errorf("memocache: %+v; discarding all cached entries", err)
	c.lastErr = err
	c.lockedCleanup()
}

// LookupOrCompute is the optional single-flight layer: concurrent calls for
// the same key run compute only once, with the rest waiting and then served
// from the cache. compute must fill bufs (and bounds, if it uses one); on
// success the result is stored under key before waiters are released.
//
// The plain Lookup/Store pair does no such deduplication, matching the
// documented cache contract; this is a strict add-on for calling layers that
// want thundering-herd avoidance.
func (c *Cache) LookupOrCompute(key []byte, bounds *buffer.Buffer, bufs []*buffer.Buffer, compute func() error) error {
	if c.Lookup(key, bounds, bufs) {
		return nil
	}
	k := string(key)
	c.mu.Lock()
	if f, found := c.inflight[k]; found {
		c.mu.Unlock()
		f.done.Wait()
		if f.err != nil {
			return f.err
		}
		if c.Lookup(key, bounds, bufs) {
			return nil
		}
		// The winner's result was already evicted; compute without dedup.
		if err := compute(); err != nil {
			return err
		}
		c.Store(key, bounds, bufs)
		return nil
	}
	f := &flight{done: xsync.NewLatch()}
	c.inflight[k] = f
	c.mu.Unlock()

	err := compute()
	if err == nil {
		c.Store(key, bounds, bufs)
	}
	c.mu.Lock()
	delete(c.inflight, k)
	c.mu.Unlock()
	f.err = err
	f.done.Trigger()
	return err
}

// Process-wide default instance, mirroring the kernel-facing entry points.
var defaultCache = New()

// Default returns the process-wide cache instance.
func Default() *Cache { return defaultCache }

// SetSize sets the soft capacity of the default cache.
func SetSize(bytes int64) { defaultCache.SetSize(bytes) }

// Lookup checks key against the default cache.
func Lookup(key []byte, bounds *buffer.Buffer, bufs []*buffer.Buffer) bool {
	return defaultCache.Lookup(key, bounds, bufs)
}

// Store stores into the default cache.
func Store(key []byte, bounds *buffer.Buffer, bufs []*buffer.Buffer) {
	defaultCache.Store(key, bounds, bufs)
}

// Cleanup releases all entries of the default cache.
func Cleanup() { defaultCache.Cleanup() }

package buffer

import (
	"sync"

	"k8s.io/klog/v2"
)

// Host allocations are pooled by size class so that repeated
// realize/release cycles of same-shaped buffers (common in pipeline inner
// loops and in the memoization cache) don't churn the garbage collector.
//
// Classes are powers of two starting at minAllocClass bytes; requests above
// maxPooledAlloc bypass the pools.

const (
	minAllocClass  = 64
	maxPooledAlloc = 1 << 26 // 64 MiB
)

var allocPools sync.Map // class size (int) -> *sync.Pool of *[]byte

// classFor rounds n up to its pool size class.
func classFor(n int) int {
	class := minAllocClass
	for class < n {
		class <<= 1
	}
	return class
}

func poolFor(class int) *sync.Pool {
	poolI, ok := allocPools.Load(class)
	if !ok {
		poolI, _ = allocPools.LoadOrStore(class, &sync.Pool{
			New: func() any {
				s := make([]byte, class)
				return &s
			},
		})
	}
	return poolI.(*sync.Pool)
}

// Alloc returns a zeroed byte slice of length n backed by pooled storage.
// Release it with Release when no longer needed; letting it be collected is
// also fine, just slower.
func Alloc(n int) []byte {
	if n == 0 {
		return nil
	}
	if n > maxPooledAlloc {
		klog.V(2).Infof("buffer.Alloc: %d bytes exceeds pooling threshold, allocating directly", n)
		return make([]byte, n)
	}
	class := classFor(n)
	s := *(poolFor(class).Get().(*[]byte))
	s = s[:n]
	clear(s)
	return s
}

// Release returns a slice obtained from Alloc to its pool. The caller must
// drop all references to it afterwards.
func Release(s []byte) {
	if s == nil {
		return
	}
	class := classFor(cap(s))
	if class != cap(s) || class > maxPooledAlloc {
		// Not one of ours (or unpooled); leave it to the GC.
		return
	}
	s = s[:cap(s)]
	poolFor(class).Put(&s)
}

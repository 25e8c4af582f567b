// Package parfor implements the parallel-for scheduler: a process-wide,
// lazily created pool of worker goroutines executing bounded iteration
// ranges with fork-join semantics.
//
// Generated kernels call DoParFor for every parallel loop level; the call
// partitions the range into contiguous chunks, one per available worker, and
// blocks until every chunk has completed. The pool is shared global state,
// created on first use under a zero-value (self-initializing) lock, so no
// startup sequencing is required of the host application.
package parfor

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loopforge/loopforge/internal/xsync"
)

// Task is the body of a parallel loop: invoked once per index with the
// caller's opaque execution context and closure. A nonzero return signals
// failure.
type Task func(ctx any, index int32, closure any) int32

// ErrParallelTaskFailure is the error form of a nonzero aggregate result.
// The originating index is not preserved; callers needing it must encode it
// in their closure protocol.
var ErrParallelTaskFailure = errors.New("parallel task failure")

// NumThreadsEnvVar overrides the default worker pool size (which is the
// available hardware parallelism).
const NumThreadsEnvVar = "LOOPFORGE_NUM_THREADS"

var (
	// mu guards the pool singleton. A zero-value sync.Mutex needs no
	// initialization, so the pool can be reached safely before any explicit
	// setup step.
	mu             sync.Mutex
	currentPool    *pool
	desiredThreads int // 0 = not set, resolve from env/hardware on creation
)

type pool struct {
	size   int
	jobsCh chan *job     // nil when size <= 1 (serial pool, no goroutines)
	quit   chan struct{} // closed to release the workers
	wg     sync.WaitGroup
}

// job is the state of one DoParFor invocation: transient, it exists only
// between dispatch and join.
type job struct {
	ctx     any
	task    Task
	closure any

	min, size int32
	numChunks int32

	nextChunk atomic.Int32 // chunk claim cursor
	completed atomic.Int32
	result    atomic.Int32 // first nonzero task result, arbitrary under races
	done      *xsync.Latch
}

// runOneChunk claims and executes the next unclaimed chunk. It returns false
// once every chunk has been claimed.
//
// A chunk that starts always runs every one of its indices, even if another
// chunk has already failed; chunks claimed after a failure are skipped
// without running (best-effort cancellation, never preemption).
func (j *job) runOneChunk() bool {
	c := j.nextChunk.Add(1) - 1
	if c >= j.numChunks {
		return false
	}
	if j.result.Load() == 0 {
		chunkMin := j.min + int32(int64(c)*int64(j.size)/int64(j.numChunks))
		chunkEnd := j.min + int32(int64(c+1)*int64(j.size)/int64(j.numChunks))
		for x := chunkMin; x < chunkEnd; x++ {
			if r := j.task(j.ctx, x, j.closure); r != 0 {
				j.result.CompareAndSwap(0, r)
			}
		}
	}
	if j.completed.Add(1) == j.numChunks {
		j.done.Trigger()
	}
	return true
}

func (p *pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case j := <-p.jobsCh:
			for j.runOneChunk() {
			}
		}
	}
}

// defaultNumThreads resolves the pool size when SetNumThreads was never
// called: the environment override if valid, else hardware parallelism.
func defaultNumThreads() int {
	if value, found := os.LookupEnv(NumThreadsEnvVar); found {
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			klog.Warningf("parfor: invalid %s=%q, using hardware parallelism", NumThreadsEnvVar, value)
		} else {
			return n
		}
	}
	return runtime.NumCPU()
}

// ensurePool lazily creates the worker pool. Called on every DoParFor; cheap
// once the pool exists.
func ensurePool() *pool {
	mu.Lock()
	defer mu.Unlock()
	if currentPool != nil {
		return currentPool
	}
	n := desiredThreads
	if n == 0 {
		n = defaultNumThreads()
	}
	p := &pool{size: n}
	if n > 1 {
		p.jobsCh = make(chan *job, n)
		p.quit = make(chan struct{})
		p.wg.Add(n)
		for i := 0; i < n; i++ {
			go p.worker()
		}
		klog.V(1).Infof("parfor: started worker pool with %d threads", n)
	}
	currentPool = p
	return p
}

// lockedTeardown drains and releases the current pool. Queued chunk tokens
// are discarded; that is safe because chunk assignment runs through each
// job's claim cursor, which the invoking thread also drains.
func lockedTeardown() {
	p := currentPool
	currentPool = nil
	if p == nil || p.jobsCh == nil {
		return
	}
	close(p.quit)
	p.wg.Wait()
	klog.V(1).Infof("parfor: worker pool with %d threads released", p.size)
}

// DoParFor executes task over every index in [min, min+size), partitioned
// into contiguous non-overlapping chunks, one per available worker. Every
// index is visited exactly once, by exactly one worker. The call blocks
// until all chunks have completed or failed.
//
// It returns 0 if every invocation returned 0, otherwise an arbitrarily
// chosen nonzero result from the failing invocations. After a failure the
// scheduler stops starting new chunks, but chunks already running complete
// normally.
//
// The invoking goroutine participates in the work, so the call makes
// progress even while the pool is being resized or is sized to 1.
func DoParFor(ctx any, task Task, min, size int32, closure any) int32 {
	if size <= 0 {
		return 0
	}
	p := ensurePool()
	numChunks := int32(p.size)
	if numChunks > size {
		numChunks = size
	}
	if numChunks < 1 {
		numChunks = 1
	}
	j := &job{
		ctx:       ctx,
		task:      task,
		closure:   closure,
		min:       min,
		size:      size,
		numChunks: numChunks,
		done:      xsync.NewLatch(),
	}
	if p.jobsCh != nil && numChunks > 1 {
		// Offer work to the pool; if the queue is full the invoking thread
		// simply runs the chunks itself below.
	offer:
		for i := int32(1); i < numChunks; i++ {
			select {
			case p.jobsCh <- j:
			default:
				break offer
			}
		}
	}
	for j.runOneChunk() {
	}
	j.done.Wait()
	return j.result.Load()
}

// DoTask runs a single loop body invocation. It exists as a separate entry
// point so host applications can interpose on per-index execution
// independently of the chunking strategy.
func DoTask(ctx any, task Task, index int32, closure any) int32 {
	return task(ctx, index, closure)
}

// SetNumThreads changes the worker pool size. If the pool is already
// running it is drained and torn down; the new size takes effect on the
// next DoParFor call. n < 1 restores the default sizing.
func SetNumThreads(n int) {
	mu.Lock()
	defer mu.Unlock()
	if n < 1 {
		n = 0
	}
	desiredThreads = n
	lockedTeardown()
}

// NumThreads returns the size the next created pool will have, resolving
// defaults the same way pool creation does.
func NumThreads() int {
	mu.Lock()
	defer mu.Unlock()
	if currentPool != nil {
		return currentPool.size
	}
	if desiredThreads != 0 {
		return desiredThreads
	}
	return defaultNumThreads()
}

// Shutdown releases all worker threads. Subsequent parallel calls
// transparently recreate the pool.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	lockedTeardown()
}

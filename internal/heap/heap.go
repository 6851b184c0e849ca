// Package heap implements the offset-addressed allocator described in
// spec.md §4.A: a free-list allocator over a single contiguous byte arena,
// with first-fit allocation, block splitting, coalescing on free, and live
// growth of the backing arena. All inter-block references are stored as
// Handles (byte offsets into the arena) rather than native pointers, so
// that growing the arena (which reallocates the backing slice) never
// invalidates a previously issued Handle — only a previously Resolved
// []byte slice, which callers must re-derive after any call that may grow
// the arena (Reserve, Resize).
//
// Two Allocator implementations exist behind the same interface, mirroring
// the dispatch table in _examples/original_source/shmalloc.c's
// allocator[2]: Private, a plain per-reservation allocator with identity
// resolution, and Arena, the free-list allocator described above. Offset
// Hash Map (package offsetmap) is built against the Allocator interface so
// it works unmodified over either.
package heap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Handle is an offset into an Allocator's address space. Zero is reserved
// and never returned by Reserve; it is used as the "no handle" sentinel,
// the Go analogue of a NULL shared-memory offset.
type Handle uint64

// NilHandle is the zero value of Handle, never a valid allocation.
const NilHandle Handle = 0

const (
	headerWord = 8               // bytes per size_t-equivalent word
	chunkSize  = headerWord * 2  // minimum allocation granularity
	pageSize   = 4096            // growth rounding unit
	minFree    = chunkSize * 2   // smallest block worth splitting off
)

// Allocator is the interface storage and offsetmap build against. It is
// implemented by Private (forwards to ordinary Go allocation) and Arena
// (the shared free-list heap). Both satisfy spec.md §4.A's four
// operations: reserve, resize, release, resolve.
type Allocator interface {
	// Reserve allocates size bytes and returns a Handle to them.
	Reserve(size int) (Handle, error)
	// Resize grows or shrinks the allocation at h to size bytes, possibly
	// returning a new Handle (the old one must not be used afterwards).
	Resize(h Handle, size int) (Handle, error)
	// Release returns the allocation at h to the allocator.
	Release(h Handle)
	// Resolve returns a byte slice covering the allocation's usable
	// capacity. The slice is only valid until the next Reserve/Resize
	// call on this Allocator (which may grow the backing storage).
	Resolve(h Handle) []byte
	// Shared reports whether this allocator backs a shared-heap instance.
	// offsetmap does not record it in its table size.
	Shared() bool
}

var (
	allocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvsvrd_heap_allocations_total",
		Help: "Number of successful heap reservations, labeled by allocator kind.",
	}, []string{"allocator"})
	releasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvsvrd_heap_releases_total",
		Help: "Number of heap releases, labeled by allocator kind.",
	}, []string{"allocator"})
	growthsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvsvrd_heap_growths_total",
		Help: "Number of times the shared arena grew to satisfy an allocation.",
	})
	arenaBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvsvrd_heap_arena_bytes",
		Help: "Current size in bytes of the shared heap arena.",
	})

	registerOnce sync.Once
)

// RegisterMetrics registers the package's Prometheus collectors. Safe to
// call multiple times; registration only happens once.
func RegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(allocationsTotal, releasesTotal, growthsTotal, arenaBytes)
	})
}

func alignUp(n, m uint64) uint64 {
	return (n + m - 1) / m * m
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func blockTotalSize(payload int) uint64 {
	return alignUp(maxU64(uint64(payload), chunkSize)+headerWord, chunkSize)
}

// Arena is the shared free-list heap of spec.md §4.A. The zero value is
// not usable; construct with NewArena.
type Arena struct {
	mu        sync.Mutex
	buf       []byte
	firstFree Handle // head of the doubly linked free list, NilHandle if empty
	stop      Handle // offset of the stop block
	logger    zerolog.Logger
}

// NewArena creates a shared heap with at least capacity usable payload
// bytes available before the first growth, mirroring shminit in
// _examples/original_source/shmalloc.c.
func NewArena(capacity int, logger zerolog.Logger) *Arena {
	cap64 := alignUp(maxU64(uint64(capacity), chunkSize)+headerWord, chunkSize)
	total := alignUp(cap64+chunkSize /*reserved pad*/ +chunkSize /*stop block*/, pageSize)
	usable := total - chunkSize - chunkSize

	a := &Arena{
		buf:    make([]byte, total),
		logger: logger.With().Str("component", "heap").Logger(),
	}

	free := Handle(chunkSize) // first usable block starts after the reserved pad
	a.setSizeWord(free, usable, true)
	a.setFooter(free)
	a.addToFreeList(free)
	a.placeStopBlock(total)

	arenaBytes.Set(float64(total))
	a.logger.Info().Uint64("bytes", total).Msg("shared heap arena initialized")
	return a
}

func (a *Arena) Shared() bool { return true }

func (a *Arena) rawSizeWord(off Handle) uint64 {
	return binary.LittleEndian.Uint64(a.buf[off : off+headerWord])
}

func (a *Arena) setSizeWord(off Handle, size uint64, prevInUse bool) {
	w := size
	if prevInUse {
		w |= 1
	}
	binary.LittleEndian.PutUint64(a.buf[off:off+headerWord], w)
}

func (a *Arena) blockSize(off Handle) uint64 { return a.rawSizeWord(off) &^ 1 }
func (a *Arena) prevInUse(off Handle) bool   { return a.rawSizeWord(off)&1 != 0 }

func (a *Arena) setPrevInUseBit(off Handle, v bool) {
	a.setSizeWord(off, a.blockSize(off), v)
}

func (a *Arena) footerOffset(off Handle) Handle {
	return off + Handle(a.blockSize(off)) - headerWord
}

func (a *Arena) setFooter(off Handle) {
	binary.LittleEndian.PutUint64(a.buf[a.footerOffset(off):a.footerOffset(off)+headerWord], a.blockSize(off))
}

func (a *Arena) footerSize(off Handle) uint64 {
	return binary.LittleEndian.Uint64(a.buf[off-headerWord : off])
}

func (a *Arena) nextBlock(off Handle) Handle {
	return off + Handle(a.blockSize(off))
}

func (a *Arena) previousBlock(off Handle) Handle {
	return off - Handle(a.footerSize(off))
}

// blockInUse reports whether the block at off is itself currently
// allocated, determined (per the original's macro) by the
// previous-in-use bit of the block that follows it.
func (a *Arena) blockInUse(off Handle) bool {
	return a.prevInUse(a.nextBlock(off))
}

func (a *Arena) setFreePrev(off, v Handle) {
	binary.LittleEndian.PutUint64(a.buf[off+headerWord:off+2*headerWord], uint64(v))
}
func (a *Arena) setFreeNext(off, v Handle) {
	binary.LittleEndian.PutUint64(a.buf[off+2*headerWord:off+3*headerWord], uint64(v))
}
func (a *Arena) getFreePrev(off Handle) Handle {
	return Handle(binary.LittleEndian.Uint64(a.buf[off+headerWord : off+2*headerWord]))
}
func (a *Arena) getFreeNext(off Handle) Handle {
	return Handle(binary.LittleEndian.Uint64(a.buf[off+2*headerWord : off+3*headerWord]))
}

func (a *Arena) addToFreeList(off Handle) {
	first := a.firstFree
	a.setFreePrev(off, NilHandle)
	a.setFreeNext(off, first)
	if first != NilHandle {
		a.setFreePrev(first, off)
	}
	a.firstFree = off
}

func (a *Arena) removeFromFreeList(off Handle) {
	prev := a.getFreePrev(off)
	next := a.getFreeNext(off)
	if prev != NilHandle {
		a.setFreeNext(prev, next)
	} else {
		a.firstFree = next
	}
	if next != NilHandle {
		a.setFreePrev(next, prev)
	}
}

func (a *Arena) coalesce(off Handle) Handle {
	prevInUse := a.prevInUse(off)
	nextInUse := a.blockInUse(a.nextBlock(off))

	if prevInUse && nextInUse {
		return off
	}
	if !prevInUse {
		prevOff := a.previousBlock(off)
		a.removeFromFreeList(off)
		a.setSizeWord(prevOff, a.blockSize(prevOff)+a.blockSize(off), a.prevInUse(prevOff))
		a.setFooter(prevOff)
		off = prevOff
	}
	if !nextInUse {
		nextOff := a.nextBlock(off)
		a.removeFromFreeList(nextOff)
		a.setSizeWord(off, a.blockSize(off)+a.blockSize(nextOff), a.prevInUse(off))
		a.setFooter(off)
	}
	return off
}

func (a *Arena) findFittingFreeBlock(size uint64) Handle {
	for off := a.firstFree; off != NilHandle; off = a.getFreeNext(off) {
		if a.blockSize(off) >= size {
			return off
		}
	}
	return NilHandle
}

// splitIfPossible carves the allocated prefix of needed bytes out of the
// free block at off, pushing any sufficiently large remainder back onto
// the free list. off must already be unlinked from the free list.
func (a *Arena) splitIfPossible(off Handle, needed uint64) Handle {
	remaining := a.blockSize(off) - needed
	if remaining >= minFree {
		prevFlag := a.prevInUse(off)
		a.setSizeWord(off, needed, prevFlag)

		newFree := a.nextBlock(off)
		a.setSizeWord(newFree, remaining, true)
		a.setFooter(newFree)
		a.addToFreeList(newFree)
	} else {
		a.setPrevInUseBit(a.nextBlock(off), true)
	}
	return off
}

func (a *Arena) placeStopBlock(total uint64) {
	stopOff := Handle(total) - chunkSize
	a.setSizeWord(stopOff, headerWord, false)
	sentinel := stopOff + headerWord
	a.setSizeWord(sentinel, 0, true)
	a.stop = stopOff
}

// grow doubles the arena (or more, if a single allocation exceeds the
// current size), copies the old contents, reinstates the stop block, and
// coalesces the newly freed tail with whatever preceded the old stop
// block. Mirrors extendDataMemorySegment in
// _examples/original_source/shmalloc.c, minus the multi-process reattach
// signal: a single Go process shares this Arena across goroutines, so
// there is nothing to re-map.
func (a *Arena) grow(minNeeded uint64) Handle {
	oldSize := uint64(len(a.buf))
	additional := oldSize
	if minNeeded >= oldSize {
		additional += alignUp(minNeeded, pageSize)
	}
	newSize := oldSize + additional

	newBuf := make([]byte, newSize)
	copy(newBuf, a.buf)
	a.buf = newBuf

	free := a.stop
	a.setSizeWord(free, additional, a.prevInUse(free))
	a.setFooter(free)
	a.addToFreeList(free)

	a.placeStopBlock(newSize)
	free = a.coalesce(free)

	growthsTotal.Inc()
	arenaBytes.Set(float64(newSize))
	a.logger.Info().Uint64("old_bytes", oldSize).Uint64("new_bytes", newSize).Msg("shared heap arena grown")
	return free
}

func (a *Arena) Reserve(size int) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserveLocked(size)
}

func (a *Arena) reserveLocked(size int) (Handle, error) {
	if size < 0 {
		return NilHandle, fmt.Errorf("heap: negative size %d", size)
	}
	needed := blockTotalSize(size)

	free := a.findFittingFreeBlock(needed)
	if free == NilHandle {
		free = a.grow(needed)
		free = a.findFittingFreeBlock(needed)
		if free == NilHandle {
			// Growth must always produce a fitting block; if it didn't,
			// the arena is exhausted for reasons beyond retrying (e.g.
			// a pathologically large single request). This is the one
			// fatal allocator path spec.md §4.A calls out.
			return NilHandle, fmt.Errorf("heap: allocation failed after growth (requested %d bytes)", size)
		}
	}

	a.removeFromFreeList(free)
	allocated := a.splitIfPossible(free, needed)
	allocationsTotal.WithLabelValues("shared").Inc()
	return allocated + headerWord, nil
}

func (a *Arena) Release(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(h)
}

func (a *Arena) releaseLocked(h Handle) {
	off := h - headerWord
	a.setPrevInUseBit(a.nextBlock(off), false)
	a.setFooter(off)
	a.addToFreeList(off)
	a.coalesce(off)
	releasesTotal.WithLabelValues("shared").Inc()
}

func (a *Arena) Resize(h Handle, size int) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	off := h - headerWord
	curPayload := int(a.blockSize(off) - headerWord)
	if size <= curPayload {
		return h, nil
	}

	needed := blockTotalSize(size)
	nextOff := a.nextBlock(off)
	if nextOff != a.stop && !a.blockInUse(nextOff) {
		combined := a.blockSize(off) + a.blockSize(nextOff)
		if combined >= needed {
			a.removeFromFreeList(nextOff)
			a.setSizeWord(off, combined, a.prevInUse(off))
			newOff := a.splitIfPossible(off, needed)
			return newOff + headerWord, nil
		}
	}

	newHandle, err := a.reserveLocked(size)
	if err != nil {
		return NilHandle, err
	}
	copy(a.resolveLocked(newHandle), a.resolveLocked(h)[:curPayload])
	a.releaseLocked(h)
	return newHandle, nil
}

func (a *Arena) Resolve(h Handle) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolveLocked(h)
}

func (a *Arena) resolveLocked(h Handle) []byte {
	off := h - headerWord
	payload := a.blockSize(off) - headerWord
	return a.buf[h : h+Handle(payload)]
}

// Len reports the current size in bytes of the backing arena, for tests.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

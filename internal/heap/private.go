package heap

import (
	"fmt"
	"sync"
)

// Private is the process-heap-backed allocator of spec.md §4.A(1): it
// forwards each reservation to an ordinary Go allocation and resolves
// with identity (no offset translation, no growth machinery). It exists
// so offsetmap and storage can run unmodified against either allocator,
// matching the dispatch table in
// _examples/original_source/shmalloc.c (allocator[2] = {malloc-based,
// shmalloc-based}).
type Private struct {
	mu    sync.Mutex
	items map[Handle][]byte
	next  Handle
}

// NewPrivate returns a ready-to-use Private allocator.
func NewPrivate() *Private {
	return &Private{items: make(map[Handle][]byte), next: 1}
}

func (p *Private) Shared() bool { return false }

func (p *Private) Reserve(size int) (Handle, error) {
	if size < 0 {
		return NilHandle, fmt.Errorf("heap: negative size %d", size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.next
	p.next++
	p.items[h] = make([]byte, size)
	return h, nil
}

func (p *Private) Resize(h Handle, size int) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.items[h]
	if !ok {
		return NilHandle, fmt.Errorf("heap: resize of unknown handle %d", h)
	}
	if size <= len(cur) {
		return h, nil
	}
	grown := make([]byte, size)
	copy(grown, cur)
	p.items[h] = grown
	return h, nil
}

func (p *Private) Release(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, h)
}

func (p *Private) Resolve(h Handle) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items[h]
}

package heap

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestArenaReserveResolveRoundTrip(t *testing.T) {
	a := NewArena(256, testLogger())

	h, err := a.Reserve(13)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	payload := a.Resolve(h)
	if len(payload) < 13 {
		t.Fatalf("resolved payload too small: got %d want >=13", len(payload))
	}
	copy(payload, []byte("hello, world!"))
	if got := string(a.Resolve(h)[:13]); got != "hello, world!" {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestArenaFreeAndReuse(t *testing.T) {
	a := NewArena(256, testLogger())

	h1, _ := a.Reserve(16)
	h2, _ := a.Reserve(16)
	a.Release(h1)

	h3, err := a.Reserve(16)
	if err != nil {
		t.Fatalf("Reserve after free: %v", err)
	}
	if h3 != h1 {
		t.Fatalf("expected freed block to be reused: h1=%d h3=%d", h1, h3)
	}
	_ = h2
}

func TestArenaCoalescesAdjacentFreeBlocks(t *testing.T) {
	a := NewArena(512, testLogger())

	h1, _ := a.Reserve(16)
	h2, _ := a.Reserve(16)
	h3, _ := a.Reserve(16)

	a.Release(h1)
	a.Release(h2)
	a.Release(h3)

	// After releasing three adjacent blocks, a single larger allocation
	// that would not fit any one of the original blocks should land at
	// h1's position without growing the arena, proving they coalesced
	// into one run.
	before := a.Len()
	h, err := a.Reserve(40)
	if err != nil {
		t.Fatalf("Reserve after coalesce: %v", err)
	}
	if h != h1 {
		t.Fatalf("expected allocation in the coalesced run at %d, got %d", h1, h)
	}
	if a.Len() != before {
		t.Fatalf("arena grew when coalesced space should have sufficed: before=%d after=%d", before, a.Len())
	}
}

func TestArenaGrowsOnExhaustion(t *testing.T) {
	a := NewArena(64, testLogger())
	before := a.Len()

	// A single oversized PUT-equivalent allocation should trigger growth
	// rather than failing (spec.md §8 boundary case).
	big := make([]byte, 4096)
	h, err := a.Reserve(len(big))
	if err != nil {
		t.Fatalf("Reserve large: %v", err)
	}
	if a.Len() <= before {
		t.Fatalf("expected arena to grow: before=%d after=%d", before, a.Len())
	}
	copy(a.Resolve(h), big)
	if !bytes.Equal(a.Resolve(h)[:len(big)], big) {
		t.Fatal("payload corrupted across growth")
	}
}

func TestArenaResizeGrowsInPlaceWhenPossible(t *testing.T) {
	a := NewArena(512, testLogger())

	h, _ := a.Reserve(8)
	copy(a.Resolve(h), []byte("12345678"))

	grown, err := a.Resize(h, 40)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if grown != h {
		t.Fatalf("expected in-place growth: h=%d grown=%d", h, grown)
	}
	if string(a.Resolve(grown)[:8]) != "12345678" {
		t.Fatalf("resize lost original payload")
	}
}

func TestPrivateAllocatorIdentityResolve(t *testing.T) {
	p := NewPrivate()
	h, err := p.Reserve(4)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	copy(p.Resolve(h), []byte("abcd"))
	if string(p.Resolve(h)) != "abcd" {
		t.Fatal("private allocator round trip failed")
	}
	p.Release(h)
	if p.Resolve(h) != nil {
		t.Fatal("expected nil resolve after release")
	}
}

func TestArenaManySmallAllocationsSurviveInterleavedFrees(t *testing.T) {
	a := NewArena(128, testLogger())
	handles := make([]Handle, 0, 64)
	for i := 0; i < 64; i++ {
		h, err := a.Reserve(8)
		if err != nil {
			t.Fatalf("Reserve #%d: %v", i, err)
		}
		copy(a.Resolve(h), []byte{byte(i)})
		handles = append(handles, h)
	}
	for i := 0; i < len(handles); i += 2 {
		a.Release(handles[i])
	}
	for i := 1; i < len(handles); i += 2 {
		if got := a.Resolve(handles[i])[0]; got != byte(i) {
			t.Fatalf("surviving allocation #%d corrupted: got %d want %d", i, got, i)
		}
	}
}

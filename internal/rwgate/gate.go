// Package rwgate implements the readers-preferred reader/writer gate of
// spec.md §4.C. The original is a pair of counting semaphores
// (storage_gate, reader_counter_gate) plus a shared reader_counter,
// guarded against a dying client leaking its hold via SEM_UNDO. A Go
// process has no equivalent of a client process vanishing mid-syscall —
// the goroutine servicing a connection either returns its token through
// a deferred Leave or the whole process is gone — so the undo mechanism
// collapses to ordinary defer/recover discipline at the call site; there
// is nothing left to emulate here.
package rwgate

import (
	"sync"

	"github.com/odinkv/kvsvrd/internal/command"
)

// Gate is a readers-preferred reader/writer lock: readers never wait
// behind a waiting writer the way sync.RWMutex's writer-starvation-proof
// implementation does. It deliberately reproduces spec.md's accepted
// starvation: a steady stream of readers can starve a writer
// indefinitely.
type Gate struct {
	readerCounterGate sync.Mutex
	storageGate       sync.Mutex
	readerCounter     int
}

// New returns a ready-to-use Gate.
func New() *Gate {
	return &Gate{}
}

// EnterRead acquires a read token, per spec.md's "Enter read" sequence.
func (g *Gate) EnterRead() {
	g.readerCounterGate.Lock()
	g.readerCounter++
	if g.readerCounter == 1 {
		g.storageGate.Lock()
	}
	g.readerCounterGate.Unlock()
}

// LeaveRead releases a read token, per spec.md's "Leave read" sequence.
func (g *Gate) LeaveRead() {
	g.readerCounterGate.Lock()
	g.readerCounter--
	if g.readerCounter == 0 {
		g.storageGate.Unlock()
	}
	g.readerCounterGate.Unlock()
}

// EnterWrite acquires the exclusive storage gate directly.
func (g *Gate) EnterWrite() {
	g.storageGate.Lock()
}

// LeaveWrite releases the exclusive storage gate.
func (g *Gate) LeaveWrite() {
	g.storageGate.Unlock()
}

// Exclusive is the per-client BEG/END latch of spec.md §4.C: once
// Begin succeeds, Read and Write on the same Exclusive are no-ops
// (the client already holds the gate) until End is called. It is not
// safe for concurrent use by multiple goroutines representing the same
// client — by construction only one goroutine ever services a given
// connection, matching the original's one-process-per-client model.
type Exclusive struct {
	gate   *Gate
	active bool
}

// NewExclusive binds a per-client exclusive-mode latch to gate.
func NewExclusive(gate *Gate) *Exclusive {
	return &Exclusive{gate: gate}
}

// Begin performs a write-lock acquire and flips this client into
// exclusive mode. Blocks if another client already holds the gate,
// exclusively or otherwise — this is the documented blocking behavior
// of BEG, not a bug.
func (e *Exclusive) Begin() {
	if e.active {
		return
	}
	e.gate.EnterWrite()
	e.active = true
}

// End releases the gate and leaves exclusive mode. A no-op if Begin was
// never called.
func (e *Exclusive) End() {
	if !e.active {
		return
	}
	e.gate.LeaveWrite()
	e.active = false
}

// Active reports whether this client currently holds the gate via BEG.
func (e *Exclusive) Active() bool { return e.active }

// EnterRead acquires a read token unless this client is already
// exclusive, in which case it is a no-op: the client already holds the
// gate.
func (e *Exclusive) EnterRead() {
	if e.active {
		return
	}
	e.gate.EnterRead()
}

// LeaveRead is the counterpart to EnterRead.
func (e *Exclusive) LeaveRead() {
	if e.active {
		return
	}
	e.gate.LeaveRead()
}

// EnterWrite acquires the gate for a write unless this client is
// already exclusive.
func (e *Exclusive) EnterWrite() {
	if e.active {
		return
	}
	e.gate.EnterWrite()
}

// LeaveWrite is the counterpart to EnterWrite.
func (e *Exclusive) LeaveWrite() {
	if e.active {
		return
	}
	e.gate.LeaveWrite()
}

// Release forcibly drops this client's BEG hold, if it has one. It is
// called when a connection closes so an abnormally disconnecting client
// (the Go analogue of the dying-process case spec.md's SEM_UNDO
// requirement guards against) cannot deadlock the server by leaving BEG
// active. It does not touch read or write tokens; those are returned by
// the deferred Leave calls in the handlers that took them.
func (e *Exclusive) Release() {
	if e.active {
		e.gate.LeaveWrite()
		e.active = false
	}
}

// RegisterCommands wires BEG and END into table against ex, producing
// the locked/already_locked/unlocked/not_locked response messages of
// spec.md §6 — an explicit implementation where
// _examples/original_source/lock.c's eventCommandBeginn/eventCommandEnd
// were left as NOT_IMPLEMENTED_YET stubs.
func RegisterCommands(table *command.Table, ex *Exclusive) {
	table.Register("BEG", 0, false, func(cmd *command.Command) {
		if ex.Active() {
			cmd.ResponseMessage = "already_locked"
			return
		}
		ex.Begin()
		cmd.ResponseMessage = "locked"
	})
	table.Register("END", 0, false, func(cmd *command.Command) {
		if !ex.Active() {
			cmd.ResponseMessage = "not_locked"
			return
		}
		ex.End()
		cmd.ResponseMessage = "unlocked"
	})
}

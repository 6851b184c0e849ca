package rwgate

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odinkv/kvsvrd/internal/command"
)

func TestGateMultipleReadersConcurrent(t *testing.T) {
	g := New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.EnterRead()
			n := atomic.AddInt32(&active, 1)
			for {
				max := atomic.LoadInt32(&maxActive)
				if n <= max || atomic.CompareAndSwapInt32(&maxActive, max, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			g.LeaveRead()
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&maxActive) < 2 {
		t.Fatalf("expected readers to overlap, max concurrent was %d", maxActive)
	}
}

func TestGateWriterExcludesReaders(t *testing.T) {
	g := New()
	var inWrite int32
	var violation int32
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.EnterWrite()
		atomic.StoreInt32(&inWrite, 1)
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&inWrite, 0)
		g.LeaveWrite()
	}()
	time.Sleep(5 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.EnterRead()
		if atomic.LoadInt32(&inWrite) == 1 {
			atomic.StoreInt32(&violation, 1)
		}
		g.LeaveRead()
	}()
	wg.Wait()

	if violation == 1 {
		t.Fatal("reader observed an in-progress writer")
	}
}

func TestExclusiveBeginMakesSubsequentCallsNoOps(t *testing.T) {
	g := New()
	ex := NewExclusive(g)

	ex.Begin()
	if !ex.Active() {
		t.Fatal("expected Active after Begin")
	}

	done := make(chan struct{})
	go func() {
		ex.EnterWrite()
		ex.LeaveWrite()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("EnterWrite blocked while already exclusive; expected no-op")
	}

	ex.End()
	if ex.Active() {
		t.Fatal("expected inactive after End")
	}
}

func TestExclusiveReleaseDropsOutstandingHold(t *testing.T) {
	g := New()
	ex := NewExclusive(g)
	ex.Begin()

	ex.Release()
	if ex.Active() {
		t.Fatal("expected inactive after Release")
	}

	done := make(chan struct{})
	go func() {
		g.EnterWrite()
		g.LeaveWrite()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("gate still held after Release; client disconnect would have deadlocked the server")
	}
}

func TestExclusiveEndWithoutBeginIsNoOp(t *testing.T) {
	g := New()
	ex := NewExclusive(g)
	ex.End()
	if ex.Active() {
		t.Fatal("End without Begin should not activate")
	}
}

func TestRegisterCommandsBegEndResponses(t *testing.T) {
	g := New()
	ex := NewExclusive(g)
	table := command.NewTable()
	RegisterCommands(table, ex)

	cmd := table.Parse("BEG")
	table.Execute(cmd)
	if cmd.ResponseMessage != "locked" {
		t.Fatalf("first BEG = %q, want locked", cmd.ResponseMessage)
	}

	cmd = table.Parse("BEG")
	table.Execute(cmd)
	if cmd.ResponseMessage != "already_locked" {
		t.Fatalf("second BEG = %q, want already_locked", cmd.ResponseMessage)
	}

	cmd = table.Parse("END")
	table.Execute(cmd)
	if cmd.ResponseMessage != "unlocked" {
		t.Fatalf("first END = %q, want unlocked", cmd.ResponseMessage)
	}

	cmd = table.Parse("END")
	table.Execute(cmd)
	if cmd.ResponseMessage != "not_locked" {
		t.Fatalf("second END = %q, want not_locked", cmd.ResponseMessage)
	}
}

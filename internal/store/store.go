// Package store implements the storage engine of spec.md §4.D: GET,
// PUT, DEL and COUNT over the offset hash map of internal/offsetmap,
// backed by the heap allocator of internal/heap, guarded by the
// reader/writer gate of internal/rwgate, and wired to the pub/sub
// notifier of internal/pubsub. Handler bodies are grounded on
// _examples/original_source/storage.c's eventCommandGet/Put/Del (Put
// and Del are stubs there; their bodies follow spec.md §4.D's prose
// directly) and on loadStorageFile for the CSV snapshot format.
package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinkv/kvsvrd/internal/command"
	"github.com/odinkv/kvsvrd/internal/heap"
	"github.com/odinkv/kvsvrd/internal/offsetmap"
	"github.com/odinkv/kvsvrd/internal/pubsub"
	"github.com/odinkv/kvsvrd/internal/rwgate"
	"github.com/odinkv/kvsvrd/internal/wildcard"
)

// ClientContext bundles the per-connection state a command handler
// needs: the BEG/END exclusive-mode latch and this client's pub/sub
// subscription. internal/transport creates one per accepted
// connection.
type ClientContext struct {
	Exclusive *rwgate.Exclusive
	Sub       *pubsub.Subscription
}

// NewClientContext binds a fresh ClientContext to gate.
func NewClientContext(gate *rwgate.Gate) *ClientContext {
	return &ClientContext{
		Exclusive: rwgate.NewExclusive(gate),
		Sub:       &pubsub.Subscription{},
	}
}

// Store is the shared storage engine: the map, its allocator, the
// synchronization gate, and the notifier. One Store is shared across
// every connection.
type Store struct {
	alloc    heap.Allocator
	table    *offsetmap.Map
	gate     *rwgate.Gate
	notifier *pubsub.Notifier
	logger   zerolog.Logger
}

// New builds a Store over alloc, sized for an initial capacity of
// entries.
func New(alloc heap.Allocator, gate *rwgate.Gate, notifier *pubsub.Notifier, capacity int, logger zerolog.Logger) (*Store, error) {
	table, err := offsetmap.New(alloc, capacity)
	if err != nil {
		return nil, fmt.Errorf("store: create table: %w", err)
	}
	return &Store{alloc: alloc, table: table, gate: gate, notifier: notifier, logger: logger}, nil
}

func (s *Store) itemIndex(key string) (pubsub.RecordIndex, bool) {
	h, ok := s.table.ItemHandle([]byte(key))
	if !ok {
		return 0, false
	}
	return pubsub.RecordIndex(h), true
}

// RegisterCommands wires GET, PUT, DEL and COUNT into table for the
// connection identified by client. SUB is wired only when enableSub is
// true — spec.md §6's enable_newsletter flag gates the pub/sub
// subsystem off entirely, in which case SUB falls through to the
// unknown-command overview response rather than a silent no-op.
// Notifications for SUB (when enabled) are forwarded through sink.
func (s *Store) RegisterCommands(table *command.Table, client *ClientContext, sink pubsub.Sink, enableSub bool) {
	table.Register("GET", 1, true, func(cmd *command.Command) {
		s.handleGet(cmd, client)
	})
	table.Register("PUT", 2, false, func(cmd *command.Command) {
		s.handlePut(cmd, client)
	})
	table.Register("DEL", 1, true, func(cmd *command.Command) {
		s.handleDel(cmd, client)
	})
	table.Register("COUNT", 0, false, func(cmd *command.Command) {
		s.handleCount(cmd, client)
	})
	if enableSub {
		table.Register("SUB", 1, false, func(cmd *command.Command) {
			s.handleSub(cmd, client, sink)
		})
	}
}

func (s *Store) handleGet(cmd *command.Command, client *ClientContext) {
	key := []byte(cmd.Key)
	client.Exclusive.EnterRead()
	defer client.Exclusive.LeaveRead()

	if !wildcard.HasWildcard(key) {
		value, ok := s.getLocked(cmd.Key)
		if !ok {
			cmd.ResponseMessage = "key_nonexistent"
			return
		}
		cmd.AddRecord(cmd.Key, value)
		return
	}

	found := 0
	s.table.ForEach(func(k []byte, v heap.Handle) {
		if wildcard.Match(k, key) {
			found++
			cmd.AddRecord(string(k), string(s.alloc.Resolve(v)))
		}
	})
	if found == 0 {
		cmd.ResponseMessage = "key_nonexistent"
	}
}

func (s *Store) getLocked(key string) (string, bool) {
	h, ok := s.table.Get([]byte(key))
	if !ok {
		return "", false
	}
	return string(s.alloc.Resolve(h)), true
}

// GetValue is a read-locked point lookup for callers outside the
// command dispatcher (the OP executor in internal/transport).
func (s *Store) GetValue(client *ClientContext, key string) (string, bool) {
	client.Exclusive.EnterRead()
	defer client.Exclusive.LeaveRead()
	return s.getLocked(key)
}

func (s *Store) putLocked(key, value string) string {
	valueHandle, err := s.alloc.Reserve(len(value))
	if err != nil {
		return "storage_full"
	}
	copy(s.alloc.Resolve(valueHandle), value)

	displaced, err := s.table.Put([]byte(key), valueHandle)
	if err != nil {
		s.alloc.Release(valueHandle)
		return "storage_full"
	}

	message := "record_new"
	if displaced != heap.NilHandle {
		s.alloc.Release(displaced)
		message = "record_overwritten"
	}
	return message
}

func (s *Store) handlePut(cmd *command.Command, client *ClientContext) {
	client.Exclusive.EnterWrite()
	defer client.Exclusive.LeaveWrite()

	cmd.ResponseMessage = s.putLocked(cmd.Key, cmd.Value)
	if cmd.ResponseMessage == "storage_full" {
		return
	}
	if idx, ok := s.itemIndex(cmd.Key); ok {
		s.notifier.Publish(idx, pubsub.KindPut, cmd.Key, cmd.Value, client.Sub.ID())
	}
}

// PutValue is a write-locked insert-or-overwrite for callers outside
// the command dispatcher (the OP executor in internal/transport). It
// publishes a PUT notification exactly as the PUT command does.
func (s *Store) PutValue(client *ClientContext, key, value string) string {
	client.Exclusive.EnterWrite()
	defer client.Exclusive.LeaveWrite()

	message := s.putLocked(key, value)
	if message == "storage_full" {
		return message
	}
	if idx, ok := s.itemIndex(key); ok {
		s.notifier.Publish(idx, pubsub.KindPut, key, value, client.Sub.ID())
	}
	return message
}

func (s *Store) handleDel(cmd *command.Command, client *ClientContext) {
	key := []byte(cmd.Key)
	client.Exclusive.EnterWrite()
	defer client.Exclusive.LeaveWrite()

	var targets []string
	if wildcard.HasWildcard(key) {
		s.table.ForEach(func(k []byte, _ heap.Handle) {
			if wildcard.Match(k, key) {
				targets = append(targets, string(k))
			}
		})
	} else if s.table.Contains(key) {
		targets = append(targets, cmd.Key)
	}

	if len(targets) == 0 {
		cmd.ResponseMessage = "key_nonexistent"
		return
	}

	for _, k := range targets {
		idx, hasIdx := s.itemIndex(k)
		value := s.table.Remove([]byte(k))
		if value != heap.NilHandle {
			s.alloc.Release(value)
		}
		if hasIdx {
			s.notifier.Publish(idx, pubsub.KindDel, k, "", client.Sub.ID())
		}
		cmd.AddRecord(k, "key_deleted")
	}
}

func (s *Store) handleCount(cmd *command.Command, client *ClientContext) {
	client.Exclusive.EnterRead()
	defer client.Exclusive.LeaveRead()
	cmd.ResponseMessage = strconv.FormatUint(s.table.Size(), 10)
}

// RecordCount reports the current number of stored records, for
// callers outside the command dispatcher (the HTTP /stats endpoint in
// internal/transport).
func (s *Store) RecordCount() uint64 {
	s.gate.EnterRead()
	defer s.gate.LeaveRead()
	return s.table.Size()
}

func (s *Store) handleSub(cmd *command.Command, client *ClientContext, sink pubsub.Sink) {
	client.Exclusive.EnterWrite()
	idx, ok := s.itemIndex(cmd.Key)
	client.Exclusive.LeaveWrite()

	if !ok {
		cmd.ResponseMessage = "key_nonexistent"
		return
	}
	cmd.ResponseMessage = s.notifier.Subscribe(client.Sub, idx, sink)
}

// ReleaseClient tears down subscriptions and any outstanding exclusive
// hold for a disconnecting client, so it can never deadlock the gate or
// leak a subscriber ID.
func (s *Store) ReleaseClient(client *ClientContext) {
	s.notifier.Release(client.Sub)
	client.Exclusive.Release()
}

// LoadSnapshot reads a CSV snapshot of key,value pairs into the store.
// A missing file is not an error, matching loadStorageFile's fopen
// failure path. Each malformed line (no comma, or an empty key) is
// skipped rather than aborting the load.
func (s *Store) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: open snapshot: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, ',')
		if idx <= 0 {
			continue
		}
		key := line[:idx]
		value := line[idx+1:]

		h, err := s.alloc.Reserve(len(value))
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("store: snapshot load: allocation failed, skipping record")
			continue
		}
		copy(s.alloc.Resolve(h), value)

		if displaced, err := s.table.Put([]byte(key), h); err == nil && displaced != heap.NilHandle {
			s.alloc.Release(displaced)
		}
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("store: read snapshot: %w", err)
	}
	s.logger.Info().Int("records", loaded).Str("path", path).Msg("store: loaded snapshot")
	return nil
}

// SaveSnapshot serializes every key,value pair under a reader lock and
// truncates path, per spec.md §4.D's snapshot process.
func (s *Store) SaveSnapshot(path string) error {
	s.gate.EnterRead()
	defer s.gate.LeaveRead()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store: create snapshot: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var writeErr error
	s.table.ForEach(func(k []byte, v heap.Handle) {
		if writeErr != nil {
			return
		}
		_, writeErr = fmt.Fprintf(w, "%s,%s\n", k, s.alloc.Resolve(v))
	})
	if writeErr != nil {
		return fmt.Errorf("store: write snapshot: %w", writeErr)
	}
	return w.Flush()
}

// RunSnapshotWorker periodically calls SaveSnapshot until ctx is
// canceled, the Go analogue of the forked snapshot worker that exits on
// PDEATHSIG when its parent dies.
func (s *Store) RunSnapshotWorker(ctx context.Context, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SaveSnapshot(path); err != nil {
				s.logger.Warn().Err(err).Msg("store: periodic snapshot failed")
			}
		}
	}
}

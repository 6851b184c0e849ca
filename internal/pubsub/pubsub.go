// Package pubsub implements the notifier of spec.md §4.F: a
// subscriber-ID bitmask registry, a per-record subscriber bitmask, and
// one observer goroutine per subscribed client. It is grounded on
// _examples/original_source/newsletter.c's subscribeStorageRecord /
// notifyAllObservers / takeSubscriberId / releaseSubscriberId /
// runStorageObserver, with the SysV message queue (msgsnd/msgrcv typed
// by subscriber ID) replaced by one buffered Go channel per observer —
// a channel already demultiplexes by recipient the way msgrcv's type
// selector did, so no central queue or type-matching loop is needed —
// and the forked observer process replaced by a goroutine reading that
// channel until it is told to stop.
package pubsub

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// MaxSubscribers bounds concurrent subscriptions to the bits of a
// uint64 mask, mirroring RecordSubscriberMask's width in the original.
const MaxSubscribers = 64

// RecordIndex identifies a storage record for subscription purposes. It
// is opaque to this package; internal/store passes the record's
// offsetmap item handle, which is stable for the life of a key (see
// ItemHandle in internal/offsetmap).
type RecordIndex uint64

// SubscriberID is a single bit in the subscriber bitmasks; 0 means "no
// ID allocated yet".
type SubscriberID uint64

// Kind enumerates the notification types forwarded to observers.
type Kind int

const (
	KindSub Kind = iota
	KindUnsub
	KindPut
	KindDel
)

// Notification is one queued message, the Go analogue of the
// original's Newsletter payload.
type Notification struct {
	Kind  Kind
	Key   string
	Value string
}

// Sink receives the lines an observer forwards to its client. In
// production this is the buffered writer wrapping the client's TCP
// connection.
type Sink interface {
	WriteString(s string) (int, error)
	Flush() error
}

// Observer is the per-subscriber goroutine loop. It owns its
// subscription counter (unexported, accessed only from Run's goroutine,
// so no lock is needed) and exits once the counter reaches zero, per
// runStorageObserver's do/while condition. On that natural exit it
// clears its own bits from the notifier the same way an explicit
// Release would, so a dead observer never leaves a stale bit behind.
type Observer struct {
	id       SubscriberID
	queue    chan Notification
	sink     Sink
	logger   zerolog.Logger
	counter  int
	stopOnce sync.Once
	stop     chan struct{}
	notifier *Notifier
}

func newObserver(id SubscriberID, sink Sink, logger zerolog.Logger, notifier *Notifier) *Observer {
	return &Observer{
		id:       id,
		queue:    make(chan Notification, 32),
		sink:     sink,
		logger:   logger.With().Uint64("subscriber_id", uint64(id)).Logger(),
		stop:     make(chan struct{}),
		notifier: notifier,
	}
}

// Run is the observer's message loop; call it in its own goroutine.
func (o *Observer) Run() {
	for {
		select {
		case n, ok := <-o.queue:
			if !ok {
				return
			}
			o.handle(n)
			if o.counter <= 0 {
				o.notifier.cleanupObserver(o.id)
				return
			}
		case <-o.stop:
			return
		}
	}
}

func (o *Observer) handle(n Notification) {
	switch n.Kind {
	case KindSub:
		o.counter++
	case KindUnsub:
		o.counter--
	case KindDel:
		o.counter--
		o.forward("DEL", n.Key, "key_deleted")
	case KindPut:
		o.forward("PUT", n.Key, n.Value)
	}
}

func (o *Observer) forward(name, key, value string) {
	line := fmt.Sprintf("%s:%s:%s\r\n", name, key, value)
	if _, err := o.sink.WriteString(line); err != nil {
		o.logger.Debug().Err(err).Msg("observer: client write failed")
		return
	}
	if err := o.sink.Flush(); err != nil {
		o.logger.Debug().Err(err).Msg("observer: client flush failed")
	}
}

func (o *Observer) send(n Notification) {
	select {
	case o.queue <- n:
	case <-o.stop:
	}
}

func (o *Observer) requestStop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// Subscription is the per-client handle a connection keeps to track its
// own subscriber ID across SUB commands and to release everything on
// disconnect, the Go analogue of the original's process-local
// subscriberId global (there it was one per forked client process; here
// it is one per connection goroutine).
type Subscription struct {
	id SubscriberID
}

// ID returns this client's allocated subscriber bit, or 0 if it has
// never subscribed to anything.
func (s *Subscription) ID() SubscriberID { return s.id }

// Notifier owns the subscriber registry and the per-record subscriber
// bitmasks.
type Notifier struct {
	mu          sync.Mutex
	taken       uint64
	subscribers map[RecordIndex]uint64
	observers   map[SubscriberID]*Observer
	logger      zerolog.Logger
}

// New returns an empty Notifier.
func New(logger zerolog.Logger) *Notifier {
	return &Notifier{
		subscribers: make(map[RecordIndex]uint64),
		observers:   make(map[SubscriberID]*Observer),
		logger:      logger,
	}
}

// takeSubscriberID finds and reserves the lowest clear bit in the
// registry mask, mirroring takeSubscriberId's bit scan. Must be called
// with mu held.
func (n *Notifier) takeSubscriberID() (SubscriberID, bool) {
	if n.taken == ^uint64(0) {
		return 0, false
	}
	for bit := uint64(1); bit != 0; bit <<= 1 {
		if n.taken&bit == 0 {
			n.taken |= bit
			return SubscriberID(bit), true
		}
	}
	return 0, false
}

// Subscribe implements the SUB command, per spec.md §4.F. recordIndex
// identifies an already-confirmed-to-exist record; callers (internal
// command handlers wired against internal/store) must perform the
// key-lookup and key_nonexistent check before calling Subscribe.
func (n *Notifier) Subscribe(sub *Subscription, recordIndex RecordIndex, sink Sink) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub.id != 0 {
		if _, exists := n.observers[sub.id]; !exists {
			// The previous observer already exited on its own
			// (subscription counter reached zero) and cleared its
			// bits; treat this client as unsubscribed.
			sub.id = 0
		}
	}

	if sub.id == 0 {
		id, ok := n.takeSubscriberID()
		if !ok {
			return "subscribers_full"
		}
		sub.id = id
		obs := newObserver(id, sink, n.logger, n)
		n.observers[id] = obs
		go obs.Run()
	}

	if n.subscribers[recordIndex]&uint64(sub.id) != 0 {
		return "already_subscribed"
	}

	n.subscribers[recordIndex] |= uint64(sub.id)
	if obs := n.observers[sub.id]; obs != nil {
		obs.send(Notification{Kind: KindSub})
	}
	return "subscribed"
}

// Publish fans a mutation at recordIndex out to every subscriber, per
// notifyAllObservers. publisher is the Subscription of the client that
// caused the mutation (zero-value SubscriberID if none, e.g. a command
// issued by a client that never subscribed); when kind is KindDel and
// the publisher is itself a subscriber of this record, that subscriber
// is sent KindUnsub instead so it gets no DEL echo but its observer
// still decrements its counter.
func (n *Notifier) Publish(recordIndex RecordIndex, kind Kind, key, value string, publisher SubscriberID) {
	n.mu.Lock()
	mask := n.subscribers[recordIndex]
	type delivery struct {
		obs *Observer
		n   Notification
	}
	var deliveries []delivery

	for bit := uint64(1); bit != 0 && bit <= mask; bit <<= 1 {
		if mask&bit == 0 {
			continue
		}
		sendKind := kind
		if kind == KindDel {
			n.subscribers[recordIndex] &^= bit
			if bit == uint64(publisher) {
				sendKind = KindUnsub
			}
		}
		if obs, ok := n.observers[SubscriberID(bit)]; ok {
			deliveries = append(deliveries, delivery{obs: obs, n: Notification{Kind: sendKind, Key: key, Value: value}})
		}
	}
	n.mu.Unlock()

	for _, d := range deliveries {
		d.obs.send(d.n)
	}
}

// cleanupObserver clears id's bit from the registry and from every
// record's subscriber mask and removes its observer entry, returning
// the removed Observer (nil if id was already gone). Called both from
// Release (explicit disconnect) and from Observer.Run (natural exit
// when its subscription counter reaches zero) so neither path can
// leave a stale bit behind.
func (n *Notifier) cleanupObserver(id SubscriberID) *Observer {
	if id == 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taken &^= uint64(id)
	for idx, mask := range n.subscribers {
		n.subscribers[idx] = mask &^ uint64(id)
	}
	obs := n.observers[id]
	delete(n.observers, id)
	return obs
}

// Release tears down sub's subscriptions and observer, the Go
// equivalent of releaseSubscriberId: it runs whenever a client
// connection closes, normal or otherwise, so a disconnecting client can
// never leave a stale bit in the registry or block a future client from
// acquiring its ID.
func (n *Notifier) Release(sub *Subscription) {
	if sub.id == 0 {
		return
	}
	obs := n.cleanupObserver(sub.id)
	if obs != nil {
		obs.requestStop()
	}
	sub.id = 0
}

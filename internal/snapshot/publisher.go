package snapshot

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/logger"
)

// Publisher is the single writer of the snapshot pointer. Readers call
// Current and never block; admin mutations call Reconcile after committing.
type Publisher struct {
	db      *gorm.DB
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	pending atomic.Bool

	subMu       sync.Mutex
	subscribers []func(old, new *Snapshot)
}

// NewPublisher creates a publisher with an empty snapshot installed so
// readers always find a non-nil value.
func NewPublisher(db *gorm.DB) *Publisher {
	p := &Publisher{db: db}
	p.current.Store(&Snapshot{
		Hosts:       map[string]*Host{},
		Streams:     map[StreamKey]Stream{},
		AccessLists: map[uint]*AccessList{},
	})
	return p
}

// Current returns the installed snapshot. Never nil.
func (p *Publisher) Current() *Snapshot {
	return p.current.Load()
}

// Subscribe registers a hook invoked after each successful publish, in
// registration order, while the publisher lock is held. Hooks receive the
// replaced and the installed snapshot; the certificate catalog rebuild and
// the stream-listener diff hang off this.
func (p *Publisher) Subscribe(fn func(old, new *Snapshot)) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Reconcile rebuilds the snapshot from the store and installs it. Calls are
// serialized; callers arriving while a rebuild is running are coalesced into
// the single rebuild that follows it, which necessarily observes their
// committed writes.
func (p *Publisher) Reconcile() error {
	p.pending.Store(true)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.pending.Swap(false) {
		// A rebuild that started after our request already ran.
		return nil
	}

	snap, err := Build(p.db)
	if err != nil {
		logger.WithFields(logrus.Fields{"error": err}).Error("snapshot build failed, keeping previous")
		return err
	}

	old := p.current.Swap(snap)
	logger.WithFields(logrus.Fields{
		"hosts":   len(snap.Hosts),
		"streams": len(snap.Streams),
		"acls":    len(snap.AccessLists),
	}).Info("configuration snapshot published")

	p.subMu.Lock()
	subs := make([]func(old, new *Snapshot), len(p.subscribers))
	copy(subs, p.subscribers)
	p.subMu.Unlock()

	for _, fn := range subs {
		fn(old, snap)
	}
	return nil
}

// StreamDiff is the per-publish listener change set, keyed by
// (protocol, listen_port).
type StreamDiff struct {
	Added   []Stream
	Removed []Stream
	Changed []Stream
}

// DiffStreams computes the listener changes between two snapshots. Entries
// whose forward target changed appear in Changed and are close-then-reopen.
func DiffStreams(old, new *Snapshot) StreamDiff {
	var d StreamDiff
	var oldStreams map[StreamKey]Stream
	if old != nil {
		oldStreams = old.Streams
	}
	for key, s := range new.Streams {
		prev, ok := oldStreams[key]
		switch {
		case !ok:
			d.Added = append(d.Added, s)
		case prev.ForwardAddr != s.ForwardAddr:
			d.Changed = append(d.Changed, s)
		}
	}
	for key, s := range oldStreams {
		if _, ok := new.Streams[key]; !ok {
			d.Removed = append(d.Removed, s)
		}
	}
	return d
}

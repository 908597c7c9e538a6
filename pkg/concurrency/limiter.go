// Package concurrency bounds in-flight work per (tenant, phase) key. Waiting work is
// admitted FIFO per key, with first syncs ahead of incremental syncs.
package concurrency

import (
	"context"
	"net/url"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gammazero/deque"
)

type Key struct {
	Tenant string
	Phase  string
}

// String joins the path-escaped parts with "/", so a tenant id that contains "/" still
// parses back to the same key.
func (k Key) String() string {
	return url.PathEscape(k.Tenant) + "/" + url.PathEscape(k.Phase)
}

func ParseKey(s string) Key {
	tenant, phase, _ := strings.Cut(s, "/")
	return Key{Tenant: unescape(tenant), Phase: unescape(phase)}
}

func unescape(s string) string {
	u, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return u
}

type Item struct {
	ID       string
	Key      Key
	Priority SyncPriority
}

type keyState struct {
	inFlight    int
	firstSync   deque.Deque[Item]
	incremental deque.Deque[Item]
}

func (ks *keyState) waiting() int {
	return ks.firstSync.Len() + ks.incremental.Len()
}

type Stats struct {
	Ready    int
	Waiting  int
	InFlight int
	Keys     int
}

type Limiter struct {
	mu       sync.Mutex
	limit    func(Key) int
	keys     map[Key]*keyState
	ready    deque.Deque[Item]
	queued   mapset.Set[string]
	admitted map[string]Item
	rerun    mapset.Set[string]
	changed  chan struct{}
}

type Option func(*Limiter)

// WithLimit sets the in-flight limit per key. Values below 1 are treated as 1.
func WithLimit(fn func(Key) int) Option {
	return func(l *Limiter) {
		l.limit = fn
	}
}

func WithDefaultLimit(n int) Option {
	return WithLimit(func(Key) int { return n })
}

func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		limit:    func(Key) int { return 1 },
		keys:     make(map[Key]*keyState),
		queued:   mapset.NewThreadUnsafeSet[string](),
		admitted: make(map[string]Item),
		rerun:    mapset.NewThreadUnsafeSet[string](),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) limitFor(k Key) int {
	n := l.limit(k)
	if n < 1 {
		return 1
	}
	return n
}

func (l *Limiter) state(k Key) *keyState {
	ks, ok := l.keys[k]
	if !ok {
		ks = &keyState{}
		l.keys[k] = ks
	}
	return ks
}

func (l *Limiter) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Enqueue adds an item. An item that is already waiting is ignored; an item that is
// admitted is queued again once it is released.
func (l *Limiter) Enqueue(item Item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enqueue(item)
}

func (l *Limiter) enqueue(item Item) {
	if _, ok := l.admitted[item.ID]; ok {
		l.rerun.Add(item.ID)
		return
	}
	if l.queued.Contains(item.ID) {
		return
	}
	l.queued.Add(item.ID)

	ks := l.state(item.Key)
	if item.Priority == PriorityFirstSync {
		ks.firstSync.PushBack(item)
	} else {
		ks.incremental.PushBack(item)
	}
	l.promote(item.Key, ks)
}

// promote admits waiting items for k while the key has free slots.
func (l *Limiter) promote(k Key, ks *keyState) {
	admittedAny := false
	limit := l.limitFor(k)
	for ks.inFlight < limit && ks.waiting() > 0 {
		var item Item
		if ks.firstSync.Len() > 0 {
			item = ks.firstSync.PopFront()
		} else {
			item = ks.incremental.PopFront()
		}
		l.queued.Remove(item.ID)
		l.admitted[item.ID] = item
		ks.inFlight++
		l.ready.PushBack(item)
		admittedAny = true
	}
	if admittedAny {
		l.broadcast()
	}
}

// TryNext returns an admitted item without blocking.
func (l *Limiter) TryNext() (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ready.Len() == 0 {
		return Item{}, false
	}
	return l.ready.PopFront(), true
}

// Next blocks until an item is admitted or ctx is done. The caller owns the slot until it
// calls Release.
func (l *Limiter) Next(ctx context.Context) (Item, error) {
	for {
		l.mu.Lock()
		if l.ready.Len() > 0 {
			item := l.ready.PopFront()
			l.mu.Unlock()
			return item, nil
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-changed:
		}
	}
}

// Release frees the slot held by item. It is called whenever an invocation ends, whether
// the run suspended or terminated.
func (l *Limiter) Release(item Item) {
	l.mu.Lock()
	defer l.mu.Unlock()

	admitted, ok := l.admitted[item.ID]
	if !ok {
		return
	}
	delete(l.admitted, item.ID)

	ks := l.state(admitted.Key)
	ks.inFlight--
	l.promote(admitted.Key, ks)

	if l.rerun.Contains(item.ID) {
		l.rerun.Remove(item.ID)
		l.enqueue(admitted)
	}

	if ks.inFlight == 0 && ks.waiting() == 0 {
		delete(l.keys, admitted.Key)
	}
}

func (l *Limiter) InFlight(k Key) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ks, ok := l.keys[k]; ok {
		return ks.inFlight
	}
	return 0
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{Ready: l.ready.Len(), InFlight: len(l.admitted), Keys: len(l.keys)}
	for _, ks := range l.keys {
		s.Waiting += ks.waiting()
	}
	return s
}

// Idle reports whether nothing is waiting, ready or in flight.
func (l *Limiter) Idle() bool {
	s := l.Stats()
	return s.Ready == 0 && s.Waiting == 0 && s.InFlight == 0
}
